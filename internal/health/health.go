// Package health serves the liveness and readiness probes for the Troupe
// server.
//
// GET /healthz reports process liveness plus uptime and never fails: a
// process that can answer HTTP is alive. GET /readyz runs the registered
// [Checker] probes (the PostgreSQL history store, in a default deployment)
// and answers 503 until every one of them passes, which keeps a load
// balancer from routing clients to a server whose dependencies are still
// coming up.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout caps a single readiness probe. Orchestrators give the whole
// request a few seconds at most; one stuck dependency must not eat all of
// them.
const probeTimeout = 3 * time.Second

// Checker is one named readiness probe. Check returns nil when the
// dependency is usable and an error describing the failure otherwise; it
// must respect ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// probeResult is the per-checker entry in the /readyz response body.
type probeResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// response is the JSON body for both endpoints.
type response struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]probeResult `json:"checks,omitempty"`
}

// Handler answers the liveness and readiness probes. Safe for concurrent
// use; the checker set is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New builds a Handler that evaluates checkers, in order, on every /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
}

// Healthz reports liveness and how long the process has been up.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every checker under [probeTimeout] and reports 503 with the
// per-checker detail when any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]probeResult, len(h.checkers))
	status, code := "ok", http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = probeResult{Status: "fail", Error: err.Error()}
			status, code = "fail", http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = probeResult{Status: "ok"}
	}

	writeJSON(w, code, response{Status: status, Checks: checks})
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
