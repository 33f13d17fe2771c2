package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyLimit int

	// send-file
	sendFileKind    string
	sendFileMaxSize string
)

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, text := args[0], strings.Join(args[1:], " ")
		s, err := loadSettings()
		if err != nil {
			return err
		}
		session, cleanup, err := newSession(s)
		if err != nil {
			return err
		}
		defer cleanup()

		var outcome chatsync.SendOutcome
		session.Sender().OnOutcome(func(o chatsync.SendOutcome) { outcome = o })

		if _, err := session.SendText(cmd.Context(), conv, text); err != nil {
			return fmt.Errorf("message not sent: %w", err)
		}
		session.Sender().Wait()
		return reportOutcome(outcome)
	},
}

func reportOutcome(o chatsync.SendOutcome) error {
	if o.Err != nil {
		if o.Retryable {
			return fmt.Errorf("send failed, try again: %w", o.Err)
		}
		return fmt.Errorf("send rejected: %w", o.Err)
	}
	fmt.Printf("Sent %s\n", o.Message.ID)
	fmt.Println(formatMessage(o.Message))
	return nil
}

// ============================================================================
// send-file
// ============================================================================

var sendFileCmd = &cobra.Command{
	Use:   "send-file <conversation-id> <path>",
	Short: "Upload a file and send it as a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, path := args[0], args[1]
		file, err := chatsync.FileFromPath(path)
		if err != nil {
			return err
		}
		kind := chatsync.MessageKind(sendFileKind)
		if kind == "" {
			kind = kindFor(file.MimeType)
		}

		var cfg chatsync.SessionConfig
		if sendFileMaxSize != "" {
			limit, err := humanize.ParseBytes(sendFileMaxSize)
			if err != nil {
				return fmt.Errorf("invalid --max-size: %w", err)
			}
			cfg.Sender.MaxFileSize = int64(limit)
		}

		s, err := loadSettings()
		if err != nil {
			return err
		}
		session, cleanup, err := newSessionWith(s, &cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		var outcome chatsync.SendOutcome
		session.Sender().OnOutcome(func(o chatsync.SendOutcome) { outcome = o })

		m, err := session.SendFile(cmd.Context(), conv, file, kind)
		if err != nil {
			return fmt.Errorf("file not sent: %w", err)
		}

		unsubscribe := session.Store().Subscribe(conv, func(w chatsync.WindowSnapshot) {
			for _, x := range w.Messages {
				if x.LocalID == m.LocalID && x.IsProvisional() && x.Progress != nil {
					fmt.Fprintf(os.Stderr, "\ruploading %s / %s", humanize.Bytes(uint64(x.Progress.Sent)), humanize.Bytes(uint64(x.Progress.Total)))
				}
			}
		})
		session.Sender().Wait()
		unsubscribe()
		fmt.Fprintln(os.Stderr)
		return reportOutcome(outcome)
	},
}

func kindFor(mimeType string) chatsync.MessageKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return chatsync.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return chatsync.KindVideo
	}
	return chatsync.KindFile
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv := args[0]
		s, err := loadSettings()
		if err != nil {
			return err
		}
		session, cleanup, err := newSession(s)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		store := session.Store()
		for {
			w := store.Window(conv)
			if !w.HasMoreOlder || (historyLimit > 0 && len(w.Messages) >= historyLimit) {
				break
			}
			n, err := session.LoadOlder(ctx, conv)
			if err != nil {
				return fmt.Errorf("failed to load history: %w", err)
			}
			if n == 0 {
				break
			}
		}

		w := store.Window(conv)
		if len(w.Messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		msgs := w.Messages
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		if w.HasMoreOlder {
			fmt.Printf("(older messages available; oldest shown %s)\n", humanize.Time(msgs[0].CreatedAt))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of messages to print")
	sendFileCmd.Flags().StringVar(&sendFileKind, "kind", "", "Message kind: image, video or file (default: from MIME type)")
	sendFileCmd.Flags().StringVar(&sendFileMaxSize, "max-size", "", "Refuse files larger than this, e.g. 20MB")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sendFileCmd)
	rootCmd.AddCommand(historyCmd)
}
