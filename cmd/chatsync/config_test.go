package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/LuminPulse-AI/chatsync"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("CHATSYNC_CONFIG", path)
	for _, k := range []string{"CHATSYNC_TOKEN", "CHATSYNC_BASE_URL", "CHATSYNC_WS_URL", "CHATSYNC_CACHE_DIR"} {
		t.Setenv(k, "")
	}
	return path
}

func TestConfigRoundTrip(t *testing.T) {
	useTempConfig(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Auth.Token != "" {
		t.Fatal("Expected an empty config when the file is missing")
	}

	for key, value := range map[string]string{
		"default.base_url":  "https://chat.example.com/api",
		"default.cache_dir": "/tmp/cache",
		"auth.token":        "tok",
	} {
		if err := setConfigValue(cfg, key, value); err != nil {
			t.Fatalf("setConfigValue(%s) failed: %v", key, err)
		}
	}
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig failed: %v", err)
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if loaded.Default.BaseURL != "https://chat.example.com/api" || loaded.Default.CacheDir != "/tmp/cache" || loaded.Auth.Token != "tok" {
		t.Fatalf("Unexpected config: %+v", loaded)
	}
}

func TestSetConfigValueErrors(t *testing.T) {
	cfg := &Config{}
	tests := []struct {
		key  string
		want string
	}{
		{"base_url", "dot notation"},
		{"default.color", "unknown field"},
		{"auth.password", "unknown field"},
		{"server.port", "unknown config section"},
		{"default.base_url", "absolute URL"},
	}
	for _, tc := range tests {
		t.Run(tc.key, func(t *testing.T) {
			err := setConfigValue(cfg, tc.key, "x")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSetConfigValueChecksScheme(t *testing.T) {
	cfg := &Config{}
	if err := setConfigValue(cfg, "default.ws_url", "ftp://chat.example.com"); err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Fatalf("Expected scheme error, got %v", err)
	}
	if err := setConfigValue(cfg, "default.ws_url", " wss://chat.example.com/ws "); err != nil {
		t.Fatalf("setConfigValue failed: %v", err)
	}
	if cfg.Default.WSURL != "wss://chat.example.com/ws" {
		t.Fatalf("Expected trimmed ws url, got %q", cfg.Default.WSURL)
	}
	if err := setConfigValue(cfg, "default.ws_url", ""); err != nil || cfg.Default.WSURL != "" {
		t.Fatalf("Expected empty value to clear the key, got %q, %v", cfg.Default.WSURL, err)
	}
}

func TestConfigKeysHelp(t *testing.T) {
	help := configKeysHelp()
	for _, k := range configKeys {
		if !strings.Contains(help, k.name) || !strings.Contains(help, k.env) {
			t.Fatalf("Expected help to list %s and %s, got:\n%s", k.name, k.env, help)
		}
	}
	if !strings.Contains(configSetCmd.Long, "auth.token") {
		t.Fatal("Expected config set help to list the keys")
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("short"); got != "****" {
		t.Fatalf("Expected ****, got %q", got)
	}
	if got := maskToken("eyJhbGciOi.payload.sig1234"); got != "eyJh…1234" {
		t.Fatalf("Expected eyJh…1234, got %q", got)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		useTempConfig(t)
		if _, err := loadSettings(); err == nil || !strings.Contains(err.Error(), "init") {
			t.Fatalf("Expected a hint to run init, got %v", err)
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		useTempConfig(t)
		saveConfig(&Config{
			Default: ConfigDefault{BaseURL: "http://file.example.com"},
			Auth:    ConfigAuth{Token: "from-file"},
		})
		t.Setenv("CHATSYNC_TOKEN", "from-env")

		s, err := loadSettings()
		if err != nil {
			t.Fatalf("loadSettings failed: %v", err)
		}
		if s.Token != "from-env" {
			t.Fatalf("Expected token from env, got %q", s.Token)
		}
		if s.WSURL != "ws://file.example.com/ws" {
			t.Fatalf("Expected derived ws url, got %q", s.WSURL)
		}
	})
}

func TestWSURLFor(t *testing.T) {
	tests := map[string]string{
		"https://chat.example.com/api/": "wss://chat.example.com/api/ws",
		"http://localhost:8080":         "ws://localhost:8080/ws",
	}
	for in, want := range tests {
		if got := wsURLFor(in); got != want {
			t.Fatalf("wsURLFor(%s): expected %s, got %s", in, want, got)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := chatsync.Message{
		Author:    chatsync.UserRef{DisplayName: "Bob"},
		Kind:      chatsync.KindText,
		Payload:   chatsync.Payload{Text: "hi"},
		CreatedAt: at,
		State:     chatsync.DeliveryFailed,
	}
	if got := formatMessage(m); !strings.HasSuffix(got, "Bob: hi (failed)") {
		t.Fatalf("Unexpected line: %s", got)
	}

	m.State = chatsync.DeliveryRecalled
	m.Author = chatsync.UserRef{}
	if got := formatMessage(m); !strings.HasSuffix(got, "Unknown: (message recalled)") {
		t.Fatalf("Unexpected line: %s", got)
	}
}
