package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Handler provides health check HTTP endpoints
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]Check
	readiness []Check
	startTime time.Time
}

// Check represents a health check function
type Check func(context.Context) error

// Response represents a health check response
type Response struct {
	Status     string                 `json:"status"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	Goroutines int                    `json:"goroutines"`
	Uptime     string                 `json:"uptime"`
	Timestamp  time.Time              `json:"timestamp"`
}

// CheckResult represents a single check result
type CheckResult struct {
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ms"`
}

// NewHandler creates a new health handler
func NewHandler() *Handler {
	return &Handler{
		checks:    make(map[string]Check),
		startTime: time.Now(),
	}
}

// AddCheck adds a named health check. Named checks also gate readiness.
func (h *Handler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
	h.readiness = append(h.readiness, check)
}

// HandleHealth handles /health endpoint
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := h.performChecks(r.Context())

	statusCode := http.StatusOK
	if response.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// HandleReady handles /ready endpoint
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	readiness := h.readiness
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	for _, check := range readiness {
		if err := check(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleLive handles /live endpoint
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (h *Handler) performChecks(ctx context.Context) Response {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]CheckResult, len(names))
	overallStatus := "healthy"
	for _, name := range names {
		start := time.Now()
		err := h.checks[name](ctx)

		result := CheckResult{
			Status:   "healthy",
			Duration: time.Since(start) / time.Millisecond,
		}
		if err != nil {
			result.Status = "unhealthy"
			result.Error = err.Error()
			overallStatus = "unhealthy"
		}
		results[name] = result
	}

	return Response{
		Status:     overallStatus,
		Checks:     results,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(h.startTime).String(),
		Timestamp:  time.Now(),
	}
}

// RegisterHandlers registers all health endpoints on a mux
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/ready", h.HandleReady)
	mux.HandleFunc("/live", h.HandleLive)
}

// PingCheck checks connectivity of anything that can be pinged
func PingCheck(target interface{ Ping(context.Context) error }) Check {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return target.Ping(ctx)
	}
}
