package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// configKey is one settable entry of config.toml.
type configKey struct {
	name  string
	env   string
	help  string
	field func(cfg *Config) *string
	check func(value string) error
}

var configKeys = []configKey{
	{
		name:  "default.base_url",
		env:   "CHATSYNC_BASE_URL",
		help:  "request API endpoint (http or https)",
		field: func(cfg *Config) *string { return &cfg.Default.BaseURL },
		check: schemeIn("http", "https"),
	},
	{
		name:  "default.ws_url",
		env:   "CHATSYNC_WS_URL",
		help:  "event channel endpoint (derived from base_url when empty)",
		field: func(cfg *Config) *string { return &cfg.Default.WSURL },
		check: schemeIn("ws", "wss", "http", "https"),
	},
	{
		name:  "default.cache_dir",
		env:   "CHATSYNC_CACHE_DIR",
		help:  "directory of the local message cache (disabled when empty)",
		field: func(cfg *Config) *string { return &cfg.Default.CacheDir },
	},
	{
		name:  "auth.token",
		env:   "CHATSYNC_TOKEN",
		help:  "session token",
		field: func(cfg *Config) *string { return &cfg.Auth.Token },
	},
}

func schemeIn(schemes ...string) func(string) error {
	return func(value string) error {
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%q is not an absolute URL", value)
		}
		for _, s := range schemes {
			if u.Scheme == s {
				return nil
			}
		}
		return fmt.Errorf("unsupported scheme %q (want %s)", u.Scheme, strings.Join(schemes, ", "))
	}
}

func lookupConfigKey(key string) (configKey, error) {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	knownSection := false
	for _, k := range configKeys {
		if k.name == key {
			return k, nil
		}
		if strings.HasPrefix(k.name, section+".") {
			knownSection = true
		}
	}
	if !knownSection {
		return configKey{}, fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return configKey{}, fmt.Errorf("unknown field %q in section [%s]", field, section)
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	k, err := lookupConfigKey(key)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if k.check != nil {
		if err := k.check(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	*k.field(cfg) = value
	return nil
}

func configKeysHelp() string {
	var b strings.Builder
	b.WriteString("Keys:\n")
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-18s %s (env %s)\n", k.name, k.help, k.env)
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configSetCmd.Long += "\n\n" + configKeysHelp()
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify ~/.chatsync/config.toml. CHATSYNC_* environment variables, also read from ./.env, take precedence.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file and active overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
		case err != nil:
			return fmt.Errorf("cannot read config file: %w", err)
		default:
			fmt.Print(string(data))
		}

		for _, k := range configKeys {
			if v := strings.TrimSpace(os.Getenv(k.env)); v != "" {
				if k.name == "auth.token" {
					v = maskToken(v)
				}
				fmt.Printf("# %s overridden by %s = %s\n", k.name, k.env, v)
			}
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://chat.example.com/api",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// maskToken keeps the first and last four characters of long tokens.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
