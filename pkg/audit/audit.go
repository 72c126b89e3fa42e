// Package audit keeps a JSON trail of requests that change the cache.
package audit

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/afterdarksys/appcached/pkg/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines audit trail configuration
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // size before rotation
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // rotated files older than this are removed
}

// Default returns the audit configuration used when none is set.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Path:       filepath.Join(home, ".appcache", "audit.log"),
		MaxSizeMB:  100,
		MaxAgeDays: 30,
	}
}

// Logger writes one event per mutating request.
type Logger struct {
	log  *zap.Logger
	file *rotatingFile
}

// New opens the audit file. A disabled config yields a logger that drops
// every event.
func New(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{log: zap.NewNop()}, nil
	}
	if cfg.Path == "" {
		cfg.Path = Default().Path
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}

	file, err := openRotating(logging.ExpandHome(cfg.Path), int64(cfg.MaxSizeMB)<<20,
		time.Duration(cfg.MaxAgeDays)*24*time.Hour)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "event"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.LevelKey = zapcore.OmitKey
	encCfg.CallerKey = zapcore.OmitKey

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), file, zapcore.InfoLevel)
	return &Logger{log: zap.New(core), file: file}, nil
}

// Record writes a single event.
func (l *Logger) Record(event string, fields ...zap.Field) {
	l.log.Info(event, fields...)
}

// Middleware records every request that is not a read.
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		l.Record("cache_mutation",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.String("ip", remoteIP(r)),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Close flushes and closes the audit file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	l.log.Sync()
	return l.file.Close()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rotatingFile renames the file once it reaches maxSize and drops rotated
// files older than maxAge.
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64
	maxAge  time.Duration
	now     func() time.Time
}

func openRotating(path string, maxSize int64, maxAge time.Duration) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f := &rotatingFile{path: path, maxSize: maxSize, maxAge: maxAge, now: time.Now}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *rotatingFile) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	f.file = file
	f.size = info.Size()
	return nil
}

func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	if f.size > 0 && f.size+int64(len(p)) > f.maxSize {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *rotatingFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Sync()
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// rotate must be called with mu held.
func (f *rotatingFile) rotate() error {
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", f.path, f.now().Format("20060102-150405.000000000"))
	if err := os.Rename(f.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate audit log file: %w", err)
	}
	f.removeOld()
	return f.open()
}

func (f *rotatingFile) removeOld() {
	matches, err := filepath.Glob(f.path + ".*")
	if err != nil {
		return
	}
	cutoff := f.now().Add(-f.maxAge)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}
