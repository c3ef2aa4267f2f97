// Package health provides the HTTP liveness and readiness probes for the
// Workdeck server.
//
//   - /healthz — liveness; a process that can serve HTTP is alive, so this
//     always returns 200 OK.
//   - /readyz  — readiness; returns 200 only while every registered
//     [Checker] passes. The server registers a document-store probe and a
//     session-persistence probe, so readiness drops while the data directory
//     is unusable or the saver's circuit breaker is open.
//
// Responses are JSON with a top-level "status" and a per-check "checks" map
// carrying each probe's outcome and how long it took.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil while the dependency
// can serve and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	// Name keys the probe in the JSON response ("docstore", "persistence").
	Name string

	Check func(ctx context.Context) error
}

// checkResult is one probe's outcome in the readiness response.
type checkResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// response is the JSON body for both probe endpoints.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. Probes run concurrently; the response waits for all of them.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every registered probe, each with its own [checkTimeout]
// deadline derived from the request context, and returns 503 when any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	g, ctx := errgroup.WithContext(r.Context())
	for i, c := range h.checkers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(probeCtx)
			results[i] = checkResult{
				Status:   "ok",
				Duration: time.Since(start).Round(time.Microsecond).String(),
			}
			if err != nil {
				results[i].Status = "fail"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	// Probes report failures through results, never through the group.
	_ = g.Wait()

	res := response{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
