package cmd

import (
	"fmt"

	"github.com/afterdarksys/appcached/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config [show|set|init]",
	Short: "Manage configuration",
	Long: `View and modify appcache configuration.

Configuration is stored in ~/.appcache/config.yml. Durations use Go
notation (90s, 5m, 24h).

Examples:
  appcache config show                                  # Display current config
  appcache config set cache.storage.backend redis       # Switch the store
  appcache config set cache.storage.dsn 127.0.0.1:6379  # Point it at Redis
  appcache config set cache.memory.default_ttl 10m      # Change memory TTL
  appcache config init                                  # Write default config`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	action := args[0]

	switch action {
	case "show":
		return showConfig()
	case "set":
		if len(args) < 3 {
			return fmt.Errorf("usage: appcache config set <key> <value>")
		}
		return setConfig(args[1], args[2])
	case "init":
		return initConfigFile()
	default:
		return fmt.Errorf("unknown action: %s (use: show, set, init)", action)
	}
}

func showConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	switch outputFormat() {
	case "yaml", "yml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "json":
		data, err := cfg.ToJSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	default:
		fmt.Printf("Config File: %s\n", configPath())
		fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("Memory Tier: max %d entries, ttl %s, sweep every %s\n",
			cfg.Cache.Memory.MaxSize, cfg.Cache.Memory.DefaultTTL, cfg.Cache.Memory.CleanupInterval)
		fmt.Printf("Storage Tier: max %d entries, ttl %s, sweep every %s\n",
			cfg.Cache.Storage.MaxSize, cfg.Cache.Storage.DefaultTTL, cfg.Cache.Storage.CleanupInterval)
		fmt.Printf("Storage Backend: %s (%s)\n", cfg.Cache.Storage.Backend, cfg.Cache.Storage.DSN)
		fmt.Printf("Storage Prefix: %s\n", cfg.Cache.Storage.Prefix)
		fmt.Printf("Warm Start: %t\n", cfg.Cache.Warming.Enabled)
		fmt.Printf("Log: %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
		fmt.Printf("Metrics: %t\n", cfg.Metrics.Enabled)
	}

	return nil
}

func setConfig(key, value string) error {
	path := configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Set(key, value); err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("✅ Set %s = %s\n", key, value)
	return nil
}

func initConfigFile() error {
	path := configPath()
	if err := config.Save(config.Default(), path); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	fmt.Printf("✅ Created default configuration at %s\n", path)
	return nil
}
