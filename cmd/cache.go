package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/afterdarksys/appcached/pkg/cache"
	"github.com/afterdarksys/appcached/pkg/client"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Read and write cache entries",
	Long: `Read and write cache entries, locally or through a running daemon.

Without --remote the command opens the configured store directly. The
memory tier then only lives for the duration of the command, so use
--remote to work with the daemon's memory tier.

Examples:
  appcache cache set api_home.getCards '[1,2,3]' --ttl 60s
  echo '{"theme":"dark"}' | appcache cache set settings - --strategy configData
  appcache cache get api_home.getCards --tier storage
  appcache cache delete settings --remote
  appcache cache clear --tier memory --remote
  appcache cache stats`,
}

var (
	cacheTier      string
	cacheTTL       time.Duration
	cacheStrategy  string
	cacheRemote    bool
	cacheEphemeral bool
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.PersistentFlags().StringVar(&cacheTier, "tier", cache.TierSmart, "cache tier: memory, storage, smart")
	cacheCmd.PersistentFlags().BoolVar(&cacheRemote, "remote", false, "send the operation to the running daemon")
	cacheCmd.PersistentFlags().BoolVar(&cacheEphemeral, "ephemeral", false, "use an in-process store instead of the configured backend")

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a cached value",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheGet,
	}
	setCmd := &cobra.Command{
		Use:   "set <key> <value|->",
		Short: "Store a value; '-' reads it from stdin",
		Args:  cobra.ExactArgs(2),
		RunE:  runCacheSet,
	}
	setCmd.Flags().DurationVar(&cacheTTL, "ttl", 0, "time to live (default: the tier default)")
	setCmd.Flags().StringVar(&cacheStrategy, "strategy", "", "named strategy: apiData, userData, configData (smart tier)")

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheDelete,
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry of a tier",
		Args:  cobra.NoArgs,
		RunE:  runCacheClear,
	}
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show tier statistics",
		Args:  cobra.NoArgs,
		RunE:  runCacheStats,
	}
	strategiesCmd := &cobra.Command{
		Use:   "strategies",
		Short: "List the named TTL strategies",
		Args:  cobra.NoArgs,
		RunE:  runCacheStrategies,
	}

	cacheCmd.AddCommand(getCmd, setCmd, deleteCmd, clearCmd, statsCmd, strategiesCmd)
}

// backend is what the cache commands need from either a local manager or a
// daemon client.
type backend interface {
	Get(ctx context.Context, tier, key string) ([]byte, bool, error)
	Set(ctx context.Context, tier, key string, value []byte, ttl time.Duration) error
	SetWithStrategy(ctx context.Context, key string, value []byte, strategy string) error
	Delete(ctx context.Context, tier, key string) error
	Clear(ctx context.Context, tier string) error
	Stats(ctx context.Context) (cache.Stats, error)
	Close() error
}

type localBackend struct {
	*cache.Manager
}

func (b localBackend) SetWithStrategy(ctx context.Context, key string, value []byte, name string) error {
	s, err := cache.StrategyByName(name)
	if err != nil {
		return err
	}
	b.Manager.SetWithStrategy(ctx, key, value, s)
	return nil
}

func (b localBackend) Stats(ctx context.Context) (cache.Stats, error) {
	return b.Manager.Stats(ctx), nil
}

type remoteBackend struct {
	*client.Client
}

func (remoteBackend) Close() error { return nil }

func openBackend() (backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if cacheRemote {
		return remoteBackend{client.New(fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port))}, nil
	}

	m, err := openManager(cfg, newLogger(cfg), cacheEphemeral)
	if err != nil {
		return nil, err
	}
	return localBackend{m}, nil
}

func runCacheGet(cmd *cobra.Command, args []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	value, ok, err := b.Get(cmd.Context(), cacheTier, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("not found in cache: %s", args[0])
	}

	fmt.Println(string(value))
	return nil
}

func runCacheSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := []byte(args[1])
	if args[1] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		value = data
	}

	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	if cacheStrategy != "" {
		if cacheTier != cache.TierSmart {
			return fmt.Errorf("--strategy applies to the smart tier only")
		}
		if err := b.SetWithStrategy(cmd.Context(), key, value, cacheStrategy); err != nil {
			return err
		}
		fmt.Printf("✅ Cached %s (strategy %s)\n", key, cacheStrategy)
		return nil
	}

	if err := b.Set(cmd.Context(), cacheTier, key, value, cacheTTL); err != nil {
		return err
	}
	fmt.Printf("✅ Cached %s in %s tier\n", key, cacheTier)
	return nil
}

func runCacheDelete(cmd *cobra.Command, args []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Delete(cmd.Context(), cacheTier, args[0]); err != nil {
		return err
	}
	fmt.Printf("✅ Deleted %s from %s tier\n", args[0], cacheTier)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Clear(cmd.Context(), cacheTier); err != nil {
		return err
	}
	fmt.Printf("✅ Cleared %s tier\n", cacheTier)
	return nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()

	stats, err := b.Stats(cmd.Context())
	if err != nil {
		return err
	}

	return printStructured(stats, func() {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tSIZE\tMAX\tHITS\tMISSES\tHIT RATE\tEVICTED\tEXPIRED\tERRORS")
		for _, row := range []struct {
			name string
			s    cache.TierStats
		}{{cache.TierMemory, stats.Memory}, {cache.TierStorage, stats.Storage}} {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%d\t%d\t%d\n",
				row.name, row.s.Size, row.s.MaxSize, row.s.Hits, row.s.Misses,
				row.s.HitRate()*100, row.s.Evictions, row.s.Expirations, row.s.Errors)
		}
		w.Flush()

		for _, row := range []struct {
			name string
			keys []string
		}{{cache.TierMemory, stats.Memory.Keys}, {cache.TierStorage, stats.Storage.Keys}} {
			if len(row.keys) > 0 {
				fmt.Printf("\n%s keys: %s\n", row.name, truncate(strings.Join(row.keys, ", "), terminalWidth()-len(row.name)-8))
			}
		}
	})
}

func runCacheStrategies(cmd *cobra.Command, args []string) error {
	strategies := cache.Strategies()
	return printStructured(strategies, func() {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMEMORY TTL\tSTORAGE TTL")
		for _, s := range strategies {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Memory, s.Storage)
		}
		w.Flush()
	})
}

func truncate(s string, width int) string {
	if width < 4 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
