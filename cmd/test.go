package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/afterdarksys/appcached/pkg/cache"
	"github.com/afterdarksys/appcached/pkg/client"
	"github.com/afterdarksys/appcached/pkg/config"
	"github.com/spf13/cobra"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run diagnostic tests",
	Long: `Run diagnostic tests to verify the appcache setup.

Tests:
  - Configuration validity
  - Persistent store read/write
  - Smart tier write-through and promotion
  - Daemon connectivity

Example:
  appcache test                # Run all tests
  appcache test --verbose      # Show detailed output`,
	RunE: runTest,
}

var testVerbose bool

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.Flags().BoolVarP(&testVerbose, "verbose", "v", false, "verbose output")
}

type diagnostic struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (detail string, err error)
}

func runTest(cmd *cobra.Command, args []string) error {
	fmt.Println("Running appcache diagnostic tests...")
	fmt.Println()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	fmt.Print("1. Testing configuration... ")
	if err != nil {
		fmt.Println("❌ FAILED")
		if testVerbose {
			fmt.Printf("   Error: %v\n", err)
		}
		return fmt.Errorf("all tests skipped: %w", err)
	}
	fmt.Println("✅ PASSED")
	if testVerbose {
		fmt.Printf("   File: %s\n", configPath())
		fmt.Printf("   Store: %s (%s)\n", cfg.Cache.Storage.Backend, cfg.Cache.Storage.DSN)
	}

	diagnostics := []diagnostic{
		{"store", testStore},
		{"smart tier", testSmartTier},
		{"daemon", testDaemon},
	}

	passed, total := 1, 1+len(diagnostics)
	for i, d := range diagnostics {
		fmt.Printf("%d. Testing %s... ", i+2, d.name)
		detail, err := d.run(ctx, cfg)
		if err != nil {
			fmt.Println("❌ FAILED")
			if testVerbose {
				fmt.Printf("   Error: %v\n", err)
			}
			continue
		}
		passed++
		fmt.Println("✅ PASSED")
		if testVerbose && detail != "" {
			fmt.Printf("   %s\n", detail)
		}
	}

	fmt.Println("\n" + strings.Repeat("-", 40))
	fmt.Printf("Tests: %d passed, %d failed, %d total\n", passed, total-passed, total)

	if passed == total {
		fmt.Println("✅ All tests passed!")
		return nil
	}
	fmt.Println("⚠️  Some tests failed")
	return nil
}

// testStore writes, reads and deletes a raw key under a diagnostic prefix.
func testStore(ctx context.Context, cfg *config.Config) (string, error) {
	store, err := cache.NewStore(cfg.Cache.Storage.Backend, cfg.Cache.Storage.DSN)
	if err != nil {
		return "", err
	}
	defer store.Close()

	key := fmt.Sprintf("appcache_diag_%d", time.Now().UnixNano())
	data := []byte(`{"test": "data"}`)

	if err := store.Set(ctx, key, data); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	defer store.Delete(ctx, key)

	got, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	if string(got) != string(data) {
		return "", fmt.Errorf("read back %q, wrote %q", got, data)
	}
	return fmt.Sprintf("Backend: %s", cfg.Cache.Storage.Backend), nil
}

// testSmartTier checks write-through and promotion in an isolated
// namespace so the user's entries are untouched.
func testSmartTier(ctx context.Context, cfg *config.Config) (string, error) {
	c := *cfg
	c.Cache.Storage.Prefix = fmt.Sprintf("appcache_diag_%d_", time.Now().UnixNano())

	m, err := openManager(&c, newLogger(cfg), false)
	if err != nil {
		return "", err
	}
	defer m.Close()
	defer m.Clear(ctx, cache.TierStorage)

	key := cache.GenerateKey("diagnostic", 1)
	m.Smart().Set(ctx, key, []byte("ok"), time.Minute)
	m.Memory().Clear()

	v, ok := m.Smart().Get(ctx, key)
	if !ok || string(v) != "ok" {
		return "", fmt.Errorf("value not read back from storage")
	}
	if _, ok := m.Memory().Get(key); !ok {
		return "", fmt.Errorf("storage hit was not promoted to memory")
	}

	stats := m.Stats(ctx)
	if stats.Storage.Errors > 0 {
		return "", fmt.Errorf("%d storage errors", stats.Storage.Errors)
	}
	return fmt.Sprintf("Memory hits: %d, storage hits: %d", stats.Memory.Hits, stats.Storage.Hits), nil
}

func testDaemon(ctx context.Context, cfg *config.Config) (string, error) {
	c := client.New(fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port))
	health, err := c.Health(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Version: %v, uptime: %.0fs", health["version"], health["uptime"]), nil
}
