// Package health provides the HTTP liveness and readiness endpoints.
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only while every registered
//     [Probe] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map with the result of each named probe. Probes
// can be added after the handler is serving, so components that come up
// late (the agent endpoint, the webhook target) register themselves when
// they are constructed.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Probe is a named readiness check. Check returns nil while the dependency
// is usable and must respect context cancellation.
type Probe struct {
	// Name labels the probe in the JSON response, e.g. "agent" or "webhook".
	Name string

	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use.
type Handler struct {
	mu     sync.Mutex
	probes []Probe
}

// New creates a Handler with the given initial probes.
func New(probes ...Probe) *Handler {
	h := &Handler{}
	h.probes = append(h.probes, probes...)
	return h
}

// Add registers a probe. Probes run on each /readyz request in
// registration order.
func (h *Handler) Add(p Probe) {
	h.mu.Lock()
	h.probes = append(h.probes, p)
	h.mu.Unlock()
}

// Healthz always returns 200. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every probe under a [probeTimeout] deadline derived from the
// request context and reports 503 when any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	probes := make([]Probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.Unlock()

	checks := make(map[string]string, len(probes))
	status := http.StatusOK

	res := result{Status: "ok", Checks: checks}
	for _, p := range probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()

		if err != nil {
			checks[p.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			checks[p.Name] = "ok"
		}
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
