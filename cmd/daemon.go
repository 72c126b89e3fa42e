package cmd

import (
	"fmt"
	"time"

	"github.com/afterdarksys/appcached/pkg/daemon"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon [start|stop|status|restart]",
	Short: "Manage the cache daemon",
	Long: `Control the appcache daemon.

The daemon owns the memory tier, sweeps expired entries in the background
and serves the cache over HTTP on the loopback interface.

Examples:
  appcache daemon start            # Run the daemon in the foreground
  appcache daemon stop             # Stop a running daemon
  appcache daemon status           # Check daemon status
  appcache daemon restart          # Restart daemon`,
	Args: cobra.ExactArgs(1),
	RunE: runDaemon,
}

var (
	daemonPort int
	daemonHost string
)

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().IntVarP(&daemonPort, "port", "p", 0, "daemon listen port (default from config, 9012)")
	daemonCmd.Flags().StringVar(&daemonHost, "host", "", "daemon listen host (default from config, 127.0.0.1)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	action := args[0]

	d := daemon.New(daemonHost, daemonPort, configPath())

	switch action {
	case "start":
		fmt.Println("Starting appcache daemon...")
		return d.Start()
	case "stop":
		fmt.Println("Stopping appcache daemon...")
		return d.Stop()
	case "status":
		return d.Status()
	case "restart":
		fmt.Println("Restarting appcache daemon...")
		if err := d.Stop(); err != nil {
			fmt.Printf("Warning: failed to stop daemon: %v\n", err)
		} else {
			// Give the old process time to release the port.
			time.Sleep(500 * time.Millisecond)
		}
		return d.Start()
	default:
		return fmt.Errorf("unknown action: %s (use: start, stop, status, restart)", action)
	}
}
