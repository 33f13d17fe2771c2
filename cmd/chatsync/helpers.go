package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// settings are the effective endpoint and auth values after applying
// environment overrides to the config file.
type settings struct {
	Token    string
	BaseURL  string
	WSURL    string
	CacheDir string
}

// loadSettings merges ~/.chatsync/config.toml with CHATSYNC_* variables,
// which may also come from a .env file in the working directory.
func loadSettings() (*settings, error) {
	_ = godotenv.Load(".env")

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s := &settings{
		Token:    envOr("CHATSYNC_TOKEN", cfg.Auth.Token),
		BaseURL:  envOr("CHATSYNC_BASE_URL", cfg.Default.BaseURL),
		WSURL:    envOr("CHATSYNC_WS_URL", cfg.Default.WSURL),
		CacheDir: envOr("CHATSYNC_CACHE_DIR", cfg.Default.CacheDir),
	}
	if s.Token == "" {
		return nil, errors.New("no session token; run 'chatsync init <token>' first")
	}
	if s.BaseURL == "" {
		return nil, errors.New("no base URL; run 'chatsync config set default.base_url <url>'")
	}
	if s.WSURL == "" {
		s.WSURL = wsURLFor(s.BaseURL)
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// wsURLFor derives the event channel endpoint from the API base URL.
func wsURLFor(baseURL string) string {
	base := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func newSession(s *settings) (*chatsync.Session, func(), error) {
	return newSessionWith(s, nil)
}

// newSessionWith builds a session from s and identifies the current user.
// The returned cleanup closes the cache and flushes the logger.
func newSessionWith(s *settings, cfg *chatsync.SessionConfig) (*chatsync.Session, func(), error) {
	log := newLogger()
	opts := []chatsync.Option{chatsync.WithLogger(log)}

	var cache *chatsync.PebbleCache
	if s.CacheDir != "" {
		c, err := chatsync.OpenPebbleCache(s.CacheDir, nil)
		if err != nil {
			return nil, nil, err
		}
		cache = c
		opts = append(opts, chatsync.WithCache(cache))
	}

	creds := chatsync.NewTokenCredentials(s.Token)
	api := chatsync.NewClient(s.BaseURL, creds)
	dialer := &chatsync.WebSocketDialer{URL: s.WSURL}
	session := chatsync.NewSession(api, dialer, creds, cfg, opts...)

	cleanup := func() {
		if cache != nil {
			_ = cache.Close()
		}
		_ = log.Sync()
	}
	if err := session.Identify(context.Background()); err != nil {
		cleanup()
		return nil, nil, err
	}
	return session, cleanup, nil
}

func describeUser(hint chatsync.IdentityHint) string {
	switch {
	case hint.DisplayName != "":
		return hint.DisplayName
	case hint.Handle != "":
		return "@" + strings.TrimPrefix(hint.Handle, "@")
	case hint.Email != "":
		return hint.Email
	}
	return hint.AccountID
}

// formatMessage renders one message line.
func formatMessage(m chatsync.Message) string {
	author := m.Author.DisplayName
	if author == "" {
		author = chatsync.AnonymousUser.DisplayName
	}

	var body string
	switch {
	case m.State == chatsync.DeliveryRecalled:
		body = "(message recalled)"
	case m.State == chatsync.DeliveryDeleted:
		body = "(message deleted)"
	case m.Payload.Attachment != nil:
		a := m.Payload.Attachment
		body = fmt.Sprintf("[%s %s, %s]", m.Kind, a.Name, humanize.Bytes(uint64(a.Size)))
		if m.Payload.Text != "" {
			body += " " + m.Payload.Text
		}
	default:
		body = m.Payload.Text
	}

	status := ""
	switch m.State {
	case chatsync.DeliveryPending:
		status = " (sending)"
	case chatsync.DeliveryFailed:
		status = " (failed)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), author, body, status)
}
