// Package httpapi exposes the workspace, session, settings, and search
// operations over HTTP.
//
// All routes are nested under /workspaces/{workspaceID}/ so that every
// request names the workspace it operates on; the handlers never fall back to
// an implicit default workspace. Responses are JSON. Error responses carry a
// JSON object with a single "error" field.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workdeck/workdeck/internal/docstore"
	"github.com/workdeck/workdeck/internal/meetings"
	"github.com/workdeck/workdeck/internal/observe"
	"github.com/workdeck/workdeck/internal/recorder"
	"github.com/workdeck/workdeck/pkg/types"
)

// maxBodySize caps request bodies. Session notes are the largest payload and
// even generous notes fit well under this.
const maxBodySize = 1 << 20

// API holds the handler dependencies and registers all routes.
type API struct {
	registry *recorder.Registry
	meetings *meetings.Service
}

// New creates the API handler set.
func New(registry *recorder.Registry, svc *meetings.Service) *API {
	return &API{registry: registry, meetings: svc}
}

// Register adds all API routes to mux. The ingest stream route is registered
// separately by the caller because it owns the WebSocket handler.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workspaces/{workspaceID}/sessions", a.startSession)
	mux.HandleFunc("GET /workspaces/{workspaceID}/sessions", a.listSessions)
	mux.HandleFunc("GET /workspaces/{workspaceID}/sessions/{sessionID}", a.getSession)
	mux.HandleFunc("DELETE /workspaces/{workspaceID}/sessions/{sessionID}", a.deleteSession)
	mux.HandleFunc("POST /workspaces/{workspaceID}/sessions/{sessionID}/pause", a.pauseSession)
	mux.HandleFunc("POST /workspaces/{workspaceID}/sessions/{sessionID}/resume", a.resumeSession)
	mux.HandleFunc("POST /workspaces/{workspaceID}/sessions/{sessionID}/stop", a.stopSession)
	mux.HandleFunc("PUT /workspaces/{workspaceID}/sessions/{sessionID}/notes", a.updateNotes)
	mux.HandleFunc("GET /workspaces/{workspaceID}/settings", a.getSettings)
	mux.HandleFunc("PUT /workspaces/{workspaceID}/settings", a.putSettings)
	mux.HandleFunc("DELETE /workspaces/{workspaceID}/settings", a.resetSettings)
	mux.HandleFunc("GET /workspaces/{workspaceID}/search", a.search)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// startSessionRequest is the body of POST /workspaces/{id}/sessions.
type startSessionRequest struct {
	Title     string `json:"title"`
	SaveAudio *bool  `json:"save_audio,omitempty"`
}

func (a *API) startSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")

	var req startSessionRequest
	if !a.decode(w, r, &req) {
		return
	}

	// Also validates the workspace ID before a session is registered for it.
	settings, err := a.meetings.GetSettings(r.Context(), workspaceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	opts := recorder.StartOptions{Title: req.Title, SaveAudio: settings.SaveAudio}
	if req.SaveAudio != nil {
		opts.SaveAudio = *req.SaveAudio
	}

	sess, err := a.registry.Start(r.Context(), workspaceID, opts)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")

	sessions, err := a.meetings.ListSessions(r.Context(), workspaceID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	// Overlay live snapshots so in-flight sessions show their current state
	// rather than their last checkpoint.
	persisted := make(map[string]int, len(sessions))
	for i, s := range sessions {
		persisted[s.ID] = i
	}
	for _, id := range a.registry.IDs() {
		if ws, err := a.registry.WorkspaceOf(id); err != nil || ws != workspaceID {
			continue
		}
		snap, err := a.registry.Snapshot(id)
		if err != nil {
			continue
		}
		if i, ok := persisted[id]; ok {
			sessions[i] = snap
		} else {
			sessions = append(sessions, snap)
		}
	}

	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")
	sessionID := r.PathValue("sessionID")

	if snap, ok := a.liveSession(workspaceID, sessionID); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	sess, err := a.meetings.GetSession(r.Context(), workspaceID, sessionID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")
	sessionID := r.PathValue("sessionID")

	live := false
	if _, ok := a.liveSession(workspaceID, sessionID); ok {
		a.registry.Remove(r.Context(), sessionID)
		live = true
	}

	err := a.meetings.DeleteSession(r.Context(), workspaceID, sessionID)
	if err != nil && !(live && errors.Is(err, meetings.ErrNotFound)) {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) pauseSession(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.registry.Pause)
}

func (a *API) resumeSession(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.registry.Resume)
}

func (a *API) stopSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")
	sessionID := r.PathValue("sessionID")

	if _, ok := a.liveSession(workspaceID, sessionID); !ok {
		a.fail(w, r, recorder.ErrUnknownSession)
		return
	}

	snap, err := a.registry.Stop(r.Context(), sessionID)
	if err != nil {
		if snap == nil {
			a.fail(w, r, err)
			return
		}
		// The session ended but the final flush failed. Keep it registered so
		// the periodic checkpointer retries, and report the failure with the
		// snapshot attached so the client does not lose the transcript.
		slog.Error("stop flush failed", "session_id", sessionID, "err", err)
		writeJSON(w, http.StatusBadGateway, stopFlushError{
			Error:   err.Error(),
			Session: snap,
		})
		return
	}

	a.registry.Remove(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, snap)
}

// stopFlushError is the body of a stop response whose session ended but whose
// final flush did not reach storage.
type stopFlushError struct {
	Error   string         `json:"error"`
	Session *types.Session `json:"session"`
}

// updateNotesRequest is the body of PUT .../notes.
type updateNotesRequest struct {
	Notes string `json:"notes"`
}

func (a *API) updateNotes(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceID")
	sessionID := r.PathValue("sessionID")

	var req updateNotesRequest
	if !a.decode(w, r, &req) {
		return
	}

	if _, ok := a.liveSession(workspaceID, sessionID); ok {
		if err := a.registry.SetNotes(sessionID, req.Notes); err != nil {
			a.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := a.meetings.UpdateNotes(r.Context(), workspaceID, sessionID, req.Notes); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transition applies a registry state change that has no response body.
func (a *API) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, sessionID string) error) {
	workspaceID := r.PathValue("workspaceID")
	sessionID := r.PathValue("sessionID")

	if _, ok := a.liveSession(workspaceID, sessionID); !ok {
		a.fail(w, r, recorder.ErrUnknownSession)
		return
	}
	if err := op(r.Context(), sessionID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// liveSession returns the registry snapshot when the session is registered
// and belongs to the workspace.
func (a *API) liveSession(workspaceID, sessionID string) (*types.Session, bool) {
	ws, err := a.registry.WorkspaceOf(sessionID)
	if err != nil || ws != workspaceID {
		return nil, false
	}
	snap, err := a.registry.Snapshot(sessionID)
	if err != nil {
		return nil, false
	}
	return snap, true
}

// ── Settings ──────────────────────────────────────────────────────────────────

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.meetings.GetSettings(r.Context(), r.PathValue("workspaceID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) putSettings(w http.ResponseWriter, r *http.Request) {
	var settings types.Settings
	if !a.decode(w, r, &settings) {
		return
	}
	if err := a.meetings.SaveSettings(r.Context(), r.PathValue("workspaceID"), settings); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) resetSettings(w http.ResponseWriter, r *http.Request) {
	if err := a.meetings.ResetSettings(r.Context(), r.PathValue("workspaceID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Search ────────────────────────────────────────────────────────────────────

func (a *API) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	results, err := a.meetings.SearchTranscripts(r.Context(), r.PathValue("workspaceID"), query)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if results == nil {
		results = []meetings.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// decode reads the JSON request body into v, writing a 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps domain errors to HTTP status codes and writes the error response.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, recorder.ErrUnknownSession), errors.Is(err, meetings.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, recorder.ErrSessionEnded):
		status = http.StatusConflict
	case errors.Is(err, recorder.ErrInvalidSegment),
		errors.Is(err, meetings.ErrInvalidSettings),
		errors.Is(err, docstore.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, docstore.ErrCorruptDocument):
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
