package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/afterdarksys/appcached/pkg/audit"
	"github.com/afterdarksys/appcached/pkg/cache"
	"github.com/afterdarksys/appcached/pkg/config"
	"github.com/afterdarksys/appcached/pkg/logging"
	"github.com/afterdarksys/appcached/pkg/metrics"
	"github.com/afterdarksys/appcached/pkg/middleware"
	"go.uber.org/zap"
)

// Version is reported by /health.
const Version = "0.2.0"

type Daemon struct {
	host       string
	port       int
	configPath string

	cfg       *config.Config
	log       *zap.Logger
	server    *http.Server
	manager   *cache.Manager
	scheduler *Scheduler
	metrics   *metrics.Metrics
}

// New creates a daemon. A zero host or port takes the configured value.
func New(host string, port int, configPath string) *Daemon {
	return &Daemon{
		host:       host,
		port:       port,
		configPath: configPath,
	}
}

// OpenManager builds a cache manager over the configured store backend.
func OpenManager(cfg *config.Config, log *zap.Logger, rec cache.Recorder) (*cache.Manager, error) {
	store, err := cache.NewStore(cfg.Cache.Storage.Backend, cfg.Cache.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Cache.Storage.Backend, err)
	}

	opts := []cache.Option{cache.WithLogger(log)}
	if rec != nil {
		opts = append(opts, cache.WithRecorder(rec))
	}
	return cache.NewManager(cfg.CacheConfig(), store, opts...), nil
}

// Start runs the daemon in the foreground until SIGINT or SIGTERM.
func (d *Daemon) Start() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d.cfg = cfg

	if d.host == "" {
		d.host = cfg.Server.Host
	}
	if d.port == 0 {
		d.port = cfg.Server.Port
	}

	d.log = logging.Must(cfg.Log)
	defer d.log.Sync()

	var rec cache.Recorder
	if cfg.Metrics.Enabled {
		d.metrics = metrics.New()
		rec = d.metrics
	}

	d.manager, err = OpenManager(cfg, d.log, rec)
	if err != nil {
		return err
	}
	defer d.manager.Close()

	// Runs after cancel and before the manager closes.
	var background sync.WaitGroup
	defer background.Wait()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d.scheduler = NewScheduler(d.manager, d.log)
	d.scheduler.Start(ctx)
	defer d.scheduler.Stop()

	if cfg.Cache.Warming.Enabled {
		d.startWarm(ctx, &background)
	}

	auditor, err := audit.New(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditor.Close()

	api := NewAPI(d.manager, d.metrics, d.log, Version)
	handler, closeHandler := buildHandler(api.Routes(), cfg.Server, d.log, auditor)
	defer closeHandler()

	d.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", d.host, d.port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer d.removePIDFile()

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("daemon started",
			zap.String("addr", d.server.Addr),
			zap.String("backend", cfg.Cache.Storage.Backend),
		)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	d.log.Info("shutting down daemon")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	d.log.Info("daemon stopped")
	return nil
}

// buildHandler wraps the API routes in the configured middleware. The
// returned func releases the rate limiter.
func buildHandler(routes http.Handler, cfg config.ServerConfig, log *zap.Logger, auditor *audit.Logger) (http.Handler, func()) {
	mws := []func(http.Handler) http.Handler{
		middleware.Recover(log),
		middleware.RequestLog(log),
		middleware.SecureHeaders,
	}
	if auditor != nil {
		mws = append(mws, auditor.Middleware)
	}

	release := func() {}
	if cfg.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
		mws = append(mws, limiter.Middleware)
		release = limiter.Close
	}
	if cfg.Compression {
		mws = append(mws, middleware.Gzip(1024))
	}

	return middleware.Chain(routes, mws...), release
}

// startWarm runs the warm start in the background, tracked by wg.
func (d *Daemon) startWarm(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.warm(ctx)
	}()
}

func (d *Daemon) warm(ctx context.Context) {
	w := cache.NewWarmer(d.manager, d.cfg.Cache.Warming)
	if _, err := w.Warm(ctx); err != nil {
		d.log.Warn("cache warming failed", zap.Error(err))
		return
	}
	d.log.Debug("warm start finished", zap.Duration("took", w.Stats().Duration))
}

// Stop signals a running daemon through its PID file.
func (d *Daemon) Stop() error {
	pid, err := readPIDFile(PIDFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon is not running")
		}
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(PIDFilePath())
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	fmt.Println("✅ Daemon stopped")
	return nil
}

// Status reports whether a daemon is running and whether it answers /health.
func (d *Daemon) Status() error {
	pid, err := readPIDFile(PIDFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("❌ Daemon is not running")
			return nil
		}
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Println("❌ Daemon is not running")
		return nil
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		fmt.Println("❌ Daemon is not running (stale PID file)")
		os.Remove(PIDFilePath())
		return nil
	}

	fmt.Printf("✅ Daemon is running (PID: %d)\n", pid)

	host, port := d.host, d.port
	if host == "" || port == 0 {
		if cfg, err := config.Load(d.configPath); err == nil {
			if host == "" {
				host = cfg.Server.Host
			}
			if port == 0 {
				port = cfg.Server.Port
			}
		}
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/health", host, port))
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Printf("   Endpoint: http://%s:%d\n", host, port)
		}
	}

	return nil
}

// PIDFilePath returns the location of the daemon's PID file.
func PIDFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".appcache", "daemon.pid")
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

func (d *Daemon) writePIDFile() error {
	pidPath := PIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() {
	os.Remove(PIDFilePath())
}
