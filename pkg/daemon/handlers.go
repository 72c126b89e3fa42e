package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/afterdarksys/appcached/pkg/cache"
	"github.com/afterdarksys/appcached/pkg/metrics"
	"go.uber.org/zap"
)

const maxValueBytes = 4 << 20

// API serves a Manager over HTTP to local callers.
type API struct {
	manager *cache.Manager
	metrics *metrics.Metrics
	log     *zap.Logger
	started time.Time
	version string
}

// NewAPI creates the HTTP surface. met may be nil to disable /metrics.
func NewAPI(m *cache.Manager, met *metrics.Metrics, log *zap.Logger, version string) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		manager: m,
		metrics: met,
		log:     log.With(zap.String("component", "api")),
		started: time.Now(),
		version: version,
	}
}

// Routes returns the request multiplexer.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	a.handle(mux, "GET /health", "/health", a.handleHealth)
	a.handle(mux, "GET /cache/stats", "/cache/stats", a.handleStats)
	a.handle(mux, "GET /cache/config", "/cache/config", a.handleGetConfig)
	a.handle(mux, "PATCH /cache/config", "/cache/config", a.handlePatchConfig)
	a.handle(mux, "GET /cache/strategies", "/cache/strategies", a.handleStrategies)
	a.handle(mux, "GET /cache/{tier}/{key...}", "/cache/entry", a.handleGet)
	a.handle(mux, "PUT /cache/{tier}/{key...}", "/cache/entry", a.handlePut)
	a.handle(mux, "DELETE /cache/{tier}/{key...}", "/cache/entry", a.handleDelete)
	a.handle(mux, "DELETE /cache/{tier}", "/cache/clear", a.handleClear)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	return mux
}

func (a *API) handle(mux *http.ServeMux, pattern, route string, h http.HandlerFunc) {
	if a.metrics != nil {
		h = a.metrics.Middleware(route, h)
	}
	mux.HandleFunc(pattern, h)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": a.version,
		"uptime":  time.Since(a.started).Seconds(),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.Stats(r.Context()))
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configView(a.manager.Config()))
}

func (a *API) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch configPatch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&patch); err != nil {
		http.Error(w, fmt.Sprintf("invalid config patch: %v", err), http.StatusBadRequest)
		return
	}
	update, err := patch.update()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, configView(a.manager.SetConfig(update)))
}

func (a *API) handleStrategies(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]string, 0, 3)
	for _, s := range cache.Strategies() {
		out = append(out, map[string]string{
			"name":    s.Name,
			"memory":  s.Memory.String(),
			"storage": s.Storage.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	value, ok, err := a.manager.Get(r.Context(), r.PathValue("tier"), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.Header().Set("X-Cache", "MISS")
		http.Error(w, "not found in cache", http.StatusNotFound)
		return
	}
	etag := etagFor(value)
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, must-revalidate")
	if notModified(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func (a *API) handlePut(w http.ResponseWriter, r *http.Request) {
	tier, key := r.PathValue("tier"), r.PathValue("key")

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read value: %v", err), http.StatusRequestEntityTooLarge)
		return
	}

	if name := r.URL.Query().Get("strategy"); name != "" {
		strategy, err := cache.StrategyByName(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if tier != cache.TierSmart {
			http.Error(w, "strategies apply to the smart tier only", http.StatusBadRequest)
			return
		}
		a.manager.SetWithStrategy(r.Context(), key, value, strategy)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid ttl: %s", raw), http.StatusBadRequest)
			return
		}
	}

	if err := a.manager.Set(r.Context(), tier, key, value, ttl); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Delete(r.Context(), r.PathValue("tier"), r.PathValue("key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	tier := r.PathValue("tier")
	if err := a.manager.Clear(r.Context(), tier); err != nil {
		writeError(w, err)
		return
	}
	a.log.Info("cache cleared", zap.String("tier", tier))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, cache.ErrUnknownTier) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// tierView renders durations as Go duration strings.
type tierView struct {
	Prefix          string `json:"prefix,omitempty"`
	MaxSize         int    `json:"max_size"`
	DefaultTTL      string `json:"default_ttl"`
	CleanupInterval string `json:"cleanup_interval"`
}

func configView(c cache.Config) map[string]tierView {
	return map[string]tierView{
		cache.TierMemory: {
			MaxSize:         c.Memory.MaxSize,
			DefaultTTL:      c.Memory.DefaultTTL.String(),
			CleanupInterval: c.Memory.CleanupInterval.String(),
		},
		cache.TierStorage: {
			Prefix:          c.Storage.Prefix,
			MaxSize:         c.Storage.MaxSize,
			DefaultTTL:      c.Storage.DefaultTTL.String(),
			CleanupInterval: c.Storage.CleanupInterval.String(),
		},
	}
}

type tierPatch struct {
	Prefix          *string `json:"prefix"`
	MaxSize         *int    `json:"max_size"`
	DefaultTTL      *string `json:"default_ttl"`
	CleanupInterval *string `json:"cleanup_interval"`
}

type configPatch struct {
	Memory  tierPatch `json:"memory"`
	Storage tierPatch `json:"storage"`
}

func (p configPatch) update() (cache.ConfigUpdate, error) {
	var u cache.ConfigUpdate
	var err error

	if p.Memory.Prefix != nil {
		return u, fmt.Errorf("prefix applies to the storage tier only")
	}
	u.Memory.MaxSize = p.Memory.MaxSize
	if u.Memory.DefaultTTL, err = parseDuration(p.Memory.DefaultTTL); err != nil {
		return u, err
	}
	if u.Memory.CleanupInterval, err = parseDuration(p.Memory.CleanupInterval); err != nil {
		return u, err
	}

	u.Storage.Prefix = p.Storage.Prefix
	u.Storage.MaxSize = p.Storage.MaxSize
	if u.Storage.DefaultTTL, err = parseDuration(p.Storage.DefaultTTL); err != nil {
		return u, err
	}
	if u.Storage.CleanupInterval, err = parseDuration(p.Storage.CleanupInterval); err != nil {
		return u, err
	}
	return u, nil
}

func parseDuration(s *string) (*time.Duration, error) {
	if s == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %s", *s)
	}
	return &d, nil
}
