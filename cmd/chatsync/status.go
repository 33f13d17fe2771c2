package main

import (
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the effective configuration and decode the session token to check who it belongs to and when it expires.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(envOr("CHATSYNC_BASE_URL", cfg.Default.BaseURL), "(not set)"))
		ws := envOr("CHATSYNC_WS_URL", cfg.Default.WSURL)
		if ws == "" && cfg.Default.BaseURL != "" {
			ws = wsURLFor(cfg.Default.BaseURL) + " (derived)"
		}
		fmt.Printf("  Event URL: %s\n", valueOrDefault(ws, "(not set)"))
		fmt.Printf("  Cache:     %s\n", valueOrDefault(envOr("CHATSYNC_CACHE_DIR", cfg.Default.CacheDir), "(disabled)"))

		fmt.Println()
		fmt.Println("Auth:")
		token := envOr("CHATSYNC_TOKEN", cfg.Auth.Token)
		if token == "" {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskKey(token))

		claims, err := chatsync.ParseTokenClaims(token)
		if err != nil {
			fmt.Printf("  Claims:    unreadable (%v)\n", err)
			return nil
		}
		fmt.Printf("  User:      %s\n", describeUser(claims.User))
		if claims.User.AccountID != "" {
			fmt.Printf("  User ID:   %s\n", claims.User.AccountID)
		}

		switch {
		case claims.ExpiresAt.IsZero():
			fmt.Println("  Expires:   never")
		case time.Now().Before(claims.ExpiresAt):
			fmt.Printf("  Expires:   %s (%s)\n", humanize.Time(claims.ExpiresAt), claims.ExpiresAt.Format(time.RFC3339))
		default:
			fmt.Printf("  Expires:   EXPIRED %s (%s)\n", humanize.Time(claims.ExpiresAt), claims.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 16 {
		if len(key) <= 8 {
			return "****"
		}
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
