package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/afterdarksys/appcached/pkg/cache"
	"github.com/afterdarksys/appcached/pkg/config"
	"github.com/afterdarksys/appcached/pkg/daemon"
	"github.com/afterdarksys/appcached/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile   string
	Version   string
	Commit    string
	BuildDate string
)

var rootCmd = &cobra.Command{
	Use:   "appcache",
	Short: "Layered TTL cache for application data",
	Long: `appcache keeps application data in a two-tier cache: a bounded
in-memory tier in front of a persistent store that survives restarts.

Tiers:
  - memory   fast and volatile, lives in the daemon process
  - storage  durable (sqlite, postgres, redis)
  - smart    writes to both, reads memory first and promotes storage hits

Example usage:
  appcache daemon start                          # Start the cache daemon
  appcache cache set user.profile '{"id":1}'     # Write through both tiers
  appcache cache get user.profile --remote       # Read from the running daemon
  appcache cache stats                           # Show tier statistics
  appcache config show                           # Display configuration`,
	SilenceUsage: true,
}

func Execute() error {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.appcache/config.yml)")
	rootCmd.PersistentFlags().String("format", "", "output format: json, yaml, table (default table on a terminal, json otherwise)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".appcache"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	bindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("debug") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// envKeys can be overridden with APPCACHE_<KEY> variables, e.g.
// APPCACHE_CACHE_STORAGE_BACKEND=redis.
var envKeys = []string{
	"server.host",
	"server.port",
	"server.rate_limit",
	"cache.storage.backend",
	"cache.storage.dsn",
	"cache.storage.prefix",
	"log.level",
	"log.format",
	"log.path",
}

// bindEnv maps APPCACHE_<KEY> variables onto dotted keys.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("APPCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// applyOverrides copies the envKeys values viper resolved onto cfg,
// validating each through cfg.Set.
func applyOverrides(cfg *config.Config, v *viper.Viper) error {
	for _, key := range envKeys {
		if !v.IsSet(key) {
			continue
		}
		value := v.GetString(key)
		if value == "" {
			continue
		}
		if err := cfg.Set(key, value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

// configPath is the file the CLI reads and writes.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return config.ConfigPath()
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := applyOverrides(cfg, viper.GetViper()); err != nil {
		return nil, err
	}

	if viper.GetBool("debug") {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the CLI logger. Commands log to stderr so stdout stays
// machine readable.
func newLogger(cfg *config.Config) *zap.Logger {
	return logging.Must(cfg.Log)
}

// openManager builds a manager from cfg. ephemeral swaps the configured
// store for an in-process map.
func openManager(cfg *config.Config, log *zap.Logger, ephemeral bool) (*cache.Manager, error) {
	if ephemeral {
		c := *cfg
		c.Cache.Storage.Backend = "memory"
		cfg = &c
	}
	return daemon.OpenManager(cfg, log, nil)
}

// outputFormat resolves --format, defaulting to a table on terminals.
func outputFormat() string {
	if f := viper.GetString("format"); f != "" {
		return f
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "table"
	}
	return "json"
}

// printStructured writes v as JSON or YAML, or calls table for the table
// format.
func printStructured(v any, table func()) error {
	switch outputFormat() {
	case "yaml", "yml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "table":
		table()
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

// terminalWidth returns the stdout width, or 80 when not a terminal.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}
