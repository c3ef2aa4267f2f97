package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// serverCheckers mirrors the probes the server registers: a document-store
// path probe and a persistence probe gated on the saver's circuit breaker.
func serverCheckers(storeErr, saverErr error) []Checker {
	return []Checker{
		{Name: "docstore", Check: func(_ context.Context) error { return storeErr }},
		{Name: "persistence", Check: func(_ context.Context) error { return saverErr }},
	}
}

func readyz(t *testing.T, h *Handler) (int, response) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthzAlwaysReturns200(t *testing.T) {
	h := New(serverCheckers(errors.New("data dir gone"), errors.New("breaker open"))...)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	// Liveness ignores the probes; failing dependencies must not restart us.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyzAllProbesPass(t *testing.T) {
	code, body := readyz(t, New(serverCheckers(nil, nil)...))

	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	for _, name := range []string{"docstore", "persistence"} {
		check, ok := body.Checks[name]
		if !ok {
			t.Fatalf("response has no %q check", name)
		}
		if check.Status != "ok" || check.Error != "" {
			t.Errorf("%s check = %+v, want ok", name, check)
		}
		if check.Duration == "" {
			t.Errorf("%s check reports no duration", name)
		}
	}
}

func TestReadyzStoreProbeFails(t *testing.T) {
	code, body := readyz(t, New(serverCheckers(errors.New("data dir gone"), nil)...))

	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if c := body.Checks["docstore"]; c.Status != "fail" || c.Error != "data dir gone" {
		t.Errorf("docstore check = %+v", c)
	}
	// One failing dependency never hides a healthy one.
	if c := body.Checks["persistence"]; c.Status != "ok" {
		t.Errorf("persistence check = %+v, want ok", c)
	}
}

func TestReadyzBreakerOpenFailsReadiness(t *testing.T) {
	code, body := readyz(t, New(serverCheckers(nil, errors.New("session saver circuit breaker is open"))...))

	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if c := body.Checks["persistence"]; c.Status != "fail" || c.Error == "" {
		t.Errorf("persistence check = %+v, want fail with reason", c)
	}
}

func TestReadyzNoProbes(t *testing.T) {
	code, body := readyz(t, New())

	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyzProbesRunConcurrently(t *testing.T) {
	// Two probes rendezvous with each other; sequential evaluation would
	// deadlock until the timeout.
	gate := make(chan struct{})
	meet := func(ctx context.Context) error {
		select {
		case gate <- struct{}{}:
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	h := New(
		Checker{Name: "docstore", Check: meet},
		Checker{Name: "persistence", Check: meet},
	)

	code, _ := readyz(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
}

func TestReadyzRespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "docstore", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := New(serverCheckers(nil, nil)...)

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
