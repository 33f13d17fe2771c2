package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var listenBacklog int

func init() {
	listenCmd.Flags().IntVarP(&listenBacklog, "backlog", "n", 10, "Number of recent messages to print per conversation on join")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <conversation-id>...",
	Short: "Follow conversations in real time",
	Long:  "Join the given conversations and print new messages, typing indicators and connection changes until interrupted.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		session, cleanup, err := newSession(s)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fatal := make(chan error, 1)
		session.Connection().OnLifecycle(func(ev chatsync.LifecycleEvent) {
			switch ev.Kind {
			case chatsync.LifecycleReconnecting:
				fmt.Fprintf(os.Stderr, "-- connection lost, reconnecting (attempt %d in %s)\n", ev.Attempt, ev.Delay.Round(time.Millisecond))
			case chatsync.LifecycleConnected:
				fmt.Fprintln(os.Stderr, "-- connected")
			case chatsync.LifecycleDisconnected:
				if ev.Err != nil {
					select {
					case fatal <- ev.Err:
					default:
					}
				}
			case chatsync.LifecycleExhausted:
				select {
				case fatal <- ev.Err:
				default:
				}
			}
		})

		var unsubscribe []func()
		for _, conv := range args {
			unsubscribe = append(unsubscribe, follow(session, conv))
		}
		defer func() {
			for _, u := range unsubscribe {
				u()
			}
		}()

		if err := session.Start(ctx, args); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer session.Stop()

		for _, conv := range args {
			if _, err := session.Open(ctx, conv); err != nil {
				fmt.Fprintf(os.Stderr, "-- %s: %v\n", conv, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			return fmt.Errorf("connection closed: %w", err)
		}
	},
}

// follow prints messages of conv as they change. A message is printed again
// when its delivery state changes.
func follow(session *chatsync.Session, conv string) func() {
	var mu sync.Mutex
	seen := make(map[string]chatsync.DeliveryState)
	var version uint64
	first := true

	unsubWindow := session.Store().Subscribe(conv, func(w chatsync.WindowSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		if w.Version < version {
			return
		}
		version = w.Version

		msgs := w.Messages
		if first && len(msgs) > 0 {
			first = false
			if listenBacklog >= 0 && len(msgs) > listenBacklog {
				for _, m := range msgs[:len(msgs)-listenBacklog] {
					seen[m.Key()] = m.State
				}
				msgs = msgs[len(msgs)-listenBacklog:]
			}
		}
		for _, m := range msgs {
			if m.IsProvisional() {
				continue
			}
			if state, ok := seen[m.Key()]; ok && state == m.State {
				continue
			}
			seen[m.Key()] = m.State
			fmt.Printf("%s %s\n", conv, formatMessage(m))
		}
	})

	unsubTyping := session.Typing().Subscribe(conv, func(t chatsync.TypingSnapshot) {
		if len(t.Users) == 0 {
			return
		}
		names := make([]string, len(t.Users))
		for i, u := range t.Users {
			names[i] = string(u)
		}
		fmt.Fprintf(os.Stderr, "-- %s: %s typing\n", conv, strings.Join(names, ", "))
	})

	return func() {
		unsubWindow()
		unsubTyping()
	}
}
