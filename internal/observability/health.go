package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Fixed probe bodies.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

const deepCheckTimeout = 2 * time.Second

// Pinger is anything whose connectivity can be probed, e.g. a Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker serves startup, liveness and readiness probes.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu   sync.RWMutex
	deps map[string]Pinger
}

// NewHealthChecker returns a checker that is neither started nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{deps: make(map[string]Pinger)}
}

// SetStarted marks startup as complete.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted reports whether startup has completed.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service ready for traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as draining.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady reports whether the service accepts traffic.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetDependency registers p under name for deep readiness checks. A nil p
// removes the dependency.
func (h *HealthChecker) SetDependency(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.deps, name)
		return
	}
	h.deps[name] = p
}

// StartzHandler returns 200 once startup has completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready and 503 otherwise. With ?deep=true
// every registered dependency is pinged and any failure yields 503.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deepCheckTimeout)
		defer cancel()

		status, body := h.deepCheck(ctx)
		writeProbe(w, status, body)
	}
}

type deepReport struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func (h *HealthChecker) deepCheck(ctx context.Context) (int, []byte) {
	h.mu.RLock()
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	pingers := make(map[string]Pinger, len(h.deps))
	for name, p := range h.deps {
		pingers[name] = p
	}
	h.mu.RUnlock()
	sort.Strings(names)

	report := deepReport{Status: "ready", Dependencies: make(map[string]string, len(names))}
	code := http.StatusOK
	for _, name := range names {
		if err := pingers[name].Ping(ctx); err != nil {
			report.Dependencies[name] = "unreachable"
			report.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		report.Dependencies[name] = "ok"
	}

	body, err := json.Marshal(report)
	if err != nil {
		return http.StatusServiceUnavailable, jsonNotReady
	}
	return code, body
}

func writeProbe(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
