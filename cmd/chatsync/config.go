package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// configKey describes one settable field of Config.
type configKey struct {
	name   string
	env    string
	help   string
	secret bool
	get    func(*Config) string
	set    func(*Config, string) error
}

var configKeys = []configKey{
	{
		name: "default.base_url", env: "CHATSYNC_BASE_URL",
		help: "API root; the socket URL is derived from it",
		get:  func(c *Config) string { return c.Default.BaseURL },
		set:  func(c *Config, v string) error { c.Default.BaseURL = v; return nil },
	},
	{
		name: "default.log_level",
		help: "debug, info, warn or error",
		get:  func(c *Config) string { return c.Default.LogLevel },
		set: func(c *Config, v string) error {
			if _, err := zapcore.ParseLevel(v); err != nil {
				return fmt.Errorf("invalid log level %q", v)
			}
			c.Default.LogLevel = v
			return nil
		},
	},
	{
		name: "default.cache_path",
		help: "SQLite history cache (default ~/.chatsync/cache.db)",
		get:  func(c *Config) string { return c.Default.CachePath },
		set:  func(c *Config, v string) error { c.Default.CachePath = v; return nil },
	},
	{
		name: "auth.token", env: "CHATSYNC_TOKEN", secret: true,
		help: "bearer token for the socket and REST API",
		get:  func(c *Config) string { return c.Auth.Token },
		set:  func(c *Config, v string) error { c.Auth.Token = v; return nil },
	},
	{
		name: "auth.user_id", env: "CHATSYNC_USER_ID",
		help: "id of the signed-in user",
		get:  func(c *Config) string { return c.Auth.UserID },
		set:  func(c *Config, v string) error { c.Auth.UserID = v; return nil },
	},
	{
		name: "auth.token_expires",
		help: "RFC 3339 expiry shown by status",
		get:  func(c *Config) string { return c.Auth.TokenExpires },
		set: func(c *Config, v string) error {
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("token_expires must be RFC 3339")
			}
			c.Auth.TokenExpires = v
			return nil
		},
	},
	{
		name: "sync.send_timeout",
		help: "time an unacknowledged send waits before failing (e.g. 30s)",
		get:  func(c *Config) string { return c.Sync.SendTimeout },
		set: func(c *Config, v string) error {
			if d, err := time.ParseDuration(v); err != nil || d <= 0 {
				return fmt.Errorf("send_timeout must be a positive duration")
			}
			c.Sync.SendTimeout = v
			return nil
		},
	},
	{
		name: "sync.page_size",
		help: "messages per history page",
		get: func(c *Config) string {
			if c.Sync.PageSize == 0 {
				return ""
			}
			return strconv.Itoa(c.Sync.PageSize)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return fmt.Errorf("page_size must be a positive integer")
			}
			c.Sync.PageSize = n
			return nil
		},
	},
}

func lookupConfigKey(name string) (configKey, error) {
	if !strings.Contains(name, ".") {
		return configKey{}, fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	for _, k := range configKeys {
		if k.name == name {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown config key %q (see 'chatsync config keys')", name)
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, name, value string) error {
	k, err := lookupConfigKey(name)
	if err != nil {
		return err
	}
	return k.set(cfg, value)
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := readConfig()
		if err != nil {
			return err
		}
		eff, err := loadConfig()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, k := range configKeys {
			v, source := k.get(eff), "file"
			switch {
			case v == "":
				v, source = "-", "unset"
			case v != k.get(file):
				source = "env " + k.env
			}
			if k.secret && v != "-" {
				v = maskKey(v)
			}
			fmt.Fprintf(w, "%s\t%s\t(%s)\n", k.name, v, source)
		}
		return w.Flush()
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in ~/.chatsync/config.toml",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.send_timeout 45s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, k := range configKeys {
			fmt.Fprintf(w, "%s\t%s\t%s\n", k.name, k.env, k.help)
		}
		return w.Flush()
	},
}
