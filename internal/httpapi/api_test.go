package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/workdeck/workdeck/internal/docstore"
	"github.com/workdeck/workdeck/internal/httpapi"
	"github.com/workdeck/workdeck/internal/meetings"
	"github.com/workdeck/workdeck/internal/recorder"
	"github.com/workdeck/workdeck/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	registry *recorder.Registry
	meetings *meetings.Service
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := docstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := meetings.NewService(store)
	registry, err := recorder.NewRegistry(recorder.RegistryConfig{Saver: svc})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	mux := http.NewServeMux()
	httpapi.New(registry, svc).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{registry: registry, meetings: svc, srv: srv}
}

// do issues a request with an optional JSON body and decodes the response
// into out when out is non-nil.
func (f *fixture) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response of %s %s: %v", method, path, err)
		}
	}
	return resp
}

func (f *fixture) startSession(t *testing.T, workspaceID, title string) *types.Session {
	t.Helper()
	var sess types.Session
	resp := f.do(t, http.MethodPost, "/workspaces/"+workspaceID+"/sessions",
		map[string]any{"title": title}, &sess)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start session status = %d", resp.StatusCode)
	}
	return &sess
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

func TestStartSession(t *testing.T) {
	f := newFixture(t)

	sess := f.startSession(t, "ws1", "Planning")
	if sess.ID == "" {
		t.Error("session has no ID")
	}
	if sess.State != types.StateRecording {
		t.Errorf("state = %q, want recording", sess.State)
	}
	if sess.Title != "Planning" {
		t.Errorf("title = %q", sess.Title)
	}
}

func TestStartSessionUsesWorkspaceAudioDefault(t *testing.T) {
	f := newFixture(t)

	settings := types.DefaultSettings()
	settings.SaveAudio = true
	if resp := f.do(t, http.MethodPut, "/workspaces/ws1/settings", settings, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings status = %d", resp.StatusCode)
	}

	sess := f.startSession(t, "ws1", "With Audio")
	if !sess.SaveAudio {
		t.Error("SaveAudio should default from workspace settings")
	}

	// An explicit value in the request wins over the workspace default.
	var override types.Session
	f.do(t, http.MethodPost, "/workspaces/ws1/sessions",
		map[string]any{"title": "No Audio", "save_audio": false}, &override)
	if override.SaveAudio {
		t.Error("explicit save_audio=false was ignored")
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, "ws1", "Lifecycle")
	base := "/workspaces/ws1/sessions/" + sess.ID

	if err := f.registry.Ingest(sess.ID, types.Segment{
		ID: "seg1", Text: "hello", StartTime: 0, EndTime: 2, IsFinal: true, Confidence: 0.95,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if resp := f.do(t, http.MethodPost, base+"/pause", nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("pause status = %d", resp.StatusCode)
	}
	var paused types.Session
	f.do(t, http.MethodGet, base, nil, &paused)
	if paused.State != types.StatePaused {
		t.Errorf("state after pause = %q", paused.State)
	}

	if resp := f.do(t, http.MethodPost, base+"/resume", nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("resume status = %d", resp.StatusCode)
	}

	var stopped types.Session
	if resp := f.do(t, http.MethodPost, base+"/stop", nil, &stopped); resp.StatusCode != http.StatusOK {
		t.Errorf("stop status = %d", resp.StatusCode)
	}
	if stopped.State != types.StateEnded {
		t.Errorf("state after stop = %q", stopped.State)
	}
	if len(stopped.Segments) != 1 {
		t.Errorf("segments = %+v", stopped.Segments)
	}

	// The stopped session is now served from the persistent store.
	var persisted types.Session
	if resp := f.do(t, http.MethodGet, base, nil, &persisted); resp.StatusCode != http.StatusOK {
		t.Errorf("get after stop status = %d", resp.StatusCode)
	}
	if persisted.State != types.StateEnded || len(persisted.Segments) != 1 {
		t.Errorf("persisted session = %+v", persisted)
	}
}

// brokenSaver fails every save, as a full disk would.
type brokenSaver struct{}

func (brokenSaver) SaveSession(context.Context, string, *types.Session) error {
	return errors.New("disk full")
}

func TestStopFlushFailure(t *testing.T) {
	store, err := docstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("docstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := meetings.NewService(store)
	registry, err := recorder.NewRegistry(recorder.RegistryConfig{Saver: brokenSaver{}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mux := http.NewServeMux()
	httpapi.New(registry, svc).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f := &fixture{registry: registry, meetings: svc, srv: srv}

	sess := f.startSession(t, "ws1", "Doomed")
	if err := f.registry.Ingest(sess.ID, types.Segment{
		ID: "seg1", Text: "last words", StartTime: 0, EndTime: 2, IsFinal: true, Confidence: 0.95,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// The session ends but the flush cannot land. The response must carry
	// the failure with the snapshot, never a clean 200.
	var body struct {
		Error   string         `json:"error"`
		Session *types.Session `json:"session"`
	}
	resp := f.do(t, http.MethodPost, "/workspaces/ws1/sessions/"+sess.ID+"/stop", nil, &body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("stop status = %d, want 502", resp.StatusCode)
	}
	if body.Error == "" {
		t.Error("response carries no error message")
	}
	if body.Session == nil || body.Session.State != types.StateEnded {
		t.Fatalf("response session = %+v, want ended snapshot", body.Session)
	}
	if len(body.Session.Segments) != 1 || body.Session.Segments[0].Text != "last words" {
		t.Errorf("snapshot segments = %+v", body.Session.Segments)
	}

	// The session stays registered so a later checkpoint can retry the save.
	if _, err := f.registry.Snapshot(sess.ID); err != nil {
		t.Errorf("session was removed after failed flush: %v", err)
	}
}

func TestListSessionsIncludesLive(t *testing.T) {
	f := newFixture(t)

	ended := f.startSession(t, "ws1", "Done")
	f.do(t, http.MethodPost, "/workspaces/ws1/sessions/"+ended.ID+"/stop", nil, nil)
	live := f.startSession(t, "ws1", "In Progress")

	var sessions []types.Session
	if resp := f.do(t, http.MethodGet, "/workspaces/ws1/sessions", nil, &sessions); resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}

	states := map[string]types.SessionState{}
	for _, s := range sessions {
		states[s.ID] = s.State
	}
	if states[ended.ID] != types.StateEnded {
		t.Errorf("ended session state = %q", states[ended.ID])
	}
	if states[live.ID] != types.StateRecording {
		t.Errorf("live session state = %q", states[live.ID])
	}
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t)

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/workspaces/ws1/sessions/ghost"},
		{http.MethodPost, "/workspaces/ws1/sessions/ghost/pause"},
		{http.MethodPost, "/workspaces/ws1/sessions/ghost/resume"},
		{http.MethodPost, "/workspaces/ws1/sessions/ghost/stop"},
	} {
		if resp := f.do(t, tt.method, tt.path, nil, nil); resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tt.method, tt.path, resp.StatusCode)
		}
	}
}

func TestSessionWorkspaceScoping(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, "alpha", "Private")

	// A live session is invisible from another workspace.
	if resp := f.do(t, http.MethodGet, "/workspaces/beta/sessions/"+sess.ID, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-workspace get status = %d, want 404", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/workspaces/beta/sessions/"+sess.ID+"/stop", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-workspace stop status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, "ws1", "Short-lived")
	base := "/workspaces/ws1/sessions/" + sess.ID

	f.do(t, http.MethodPost, base+"/stop", nil, nil)

	if resp := f.do(t, http.MethodDelete, base, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, base, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodDelete, base, nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
}

func TestDeleteLiveSessionDiscardsIt(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, "ws1", "Abandoned")
	base := "/workspaces/ws1/sessions/" + sess.ID

	if resp := f.do(t, http.MethodDelete, base, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete live status = %d", resp.StatusCode)
	}
	if _, err := f.registry.Snapshot(sess.ID); err == nil {
		t.Error("live session still registered after delete")
	}
}

func TestUpdateNotesLiveAndPersisted(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, "ws1", "Notes")
	base := "/workspaces/ws1/sessions/" + sess.ID

	if resp := f.do(t, http.MethodPut, base+"/notes", map[string]string{"notes": "live note"}, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("live notes status = %d", resp.StatusCode)
	}
	var live types.Session
	f.do(t, http.MethodGet, base, nil, &live)
	if live.Notes != "live note" {
		t.Errorf("live notes = %q", live.Notes)
	}

	f.do(t, http.MethodPost, base+"/stop", nil, nil)

	if resp := f.do(t, http.MethodPut, base+"/notes", map[string]string{"notes": "postmortem"}, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("persisted notes status = %d", resp.StatusCode)
	}
	var persisted types.Session
	f.do(t, http.MethodGet, base, nil, &persisted)
	if persisted.Notes != "postmortem" {
		t.Errorf("persisted notes = %q", persisted.Notes)
	}
}

func TestBadRequestBodies(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/workspaces/ws1/sessions", bytes.NewBufferString("{oops"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodPost, "/workspaces/ws1/sessions", map[string]any{"title": "x", "mystery": true}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", resp.StatusCode)
	}
}

// ── Settings ──────────────────────────────────────────────────────────────────

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t)

	var defaults types.Settings
	if resp := f.do(t, http.MethodGet, "/workspaces/ws1/settings", nil, &defaults); resp.StatusCode != http.StatusOK {
		t.Fatalf("get settings status = %d", resp.StatusCode)
	}
	if defaults != types.DefaultSettings() {
		t.Errorf("defaults = %+v", defaults)
	}

	want := types.Settings{SaveAudio: true, Model: "nova-3", Language: "fr-FR", Diarization: true}
	if resp := f.do(t, http.MethodPut, "/workspaces/ws1/settings", want, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings status = %d", resp.StatusCode)
	}

	var got types.Settings
	f.do(t, http.MethodGet, "/workspaces/ws1/settings", nil, &got)
	if got != want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}

	if resp := f.do(t, http.MethodDelete, "/workspaces/ws1/settings", nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete settings status = %d, want 204", resp.StatusCode)
	}
	var reset types.Settings
	f.do(t, http.MethodGet, "/workspaces/ws1/settings", nil, &reset)
	if reset != types.DefaultSettings() {
		t.Errorf("settings after reset = %+v, want defaults", reset)
	}
}

func TestPutSettingsValidation(t *testing.T) {
	f := newFixture(t)

	bad := types.Settings{Model: "", Language: "en-US"}
	if resp := f.do(t, http.MethodPut, "/workspaces/ws1/settings", bad, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid settings status = %d, want 400", resp.StatusCode)
	}
}

// ── Search ────────────────────────────────────────────────────────────────────

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	sess := f.startSession(t, "ws1", "Search Me")

	if err := f.registry.Ingest(sess.ID, types.Segment{
		ID: "seg1", Text: "the deployment pipeline is green", StartTime: 0, EndTime: 3, IsFinal: true, Confidence: 0.9,
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	f.do(t, http.MethodPost, "/workspaces/ws1/sessions/"+sess.ID+"/stop", nil, nil)

	var results []meetings.SearchResult
	if resp := f.do(t, http.MethodGet, "/workspaces/ws1/search?q=deployment", nil, &results); resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	if len(results) != 1 || results[0].SessionID != sess.ID {
		t.Errorf("results = %+v", results)
	}

	var empty []meetings.SearchResult
	if resp := f.do(t, http.MethodGet, "/workspaces/ws1/search?q=unrelated+topic", nil, &empty); resp.StatusCode != http.StatusOK {
		t.Fatalf("empty search status = %d", resp.StatusCode)
	}
	if len(empty) != 0 {
		t.Errorf("empty results = %+v", empty)
	}

	if resp := f.do(t, http.MethodGet, "/workspaces/ws1/search", nil, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing q status = %d, want 400", resp.StatusCode)
	}
}

// ── Metrics ───────────────────────────────────────────────────────────────────

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
