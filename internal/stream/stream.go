// Package stream provides the WebSocket ingest endpoint for live recording
// sessions.
//
// A client opens one connection per session and sends JSON text frames, one
// event per frame. Segment events carry interim or final transcript segments;
// control events pause, resume, checkpoint, or stop the session. The server
// answers every event with an ack frame, so a client can treat the connection
// as a lossless ordered pipe.
//
// Because all events for a session arrive on a single connection and are
// handled in read order, the connection itself is the serialization point for
// that session's transcript.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/workdeck/workdeck/internal/observe"
	"github.com/workdeck/workdeck/internal/recorder"
	"github.com/workdeck/workdeck/pkg/types"
)

// EventType identifies an ingest event frame.
type EventType string

const (
	EventSegment    EventType = "segment"
	EventPause      EventType = "pause"
	EventResume     EventType = "resume"
	EventCheckpoint EventType = "checkpoint"
	EventStop       EventType = "stop"
)

// IsValid reports whether e is a recognised event type.
func (e EventType) IsValid() bool {
	switch e {
	case EventSegment, EventPause, EventResume, EventCheckpoint, EventStop:
		return true
	}
	return false
}

// Event is one inbound frame on the ingest connection.
type Event struct {
	Type EventType `json:"type"`

	// Segment carries the transcript segment for [EventSegment] frames.
	Segment *types.Segment `json:"segment,omitempty"`
}

// Ack is the server's reply to each inbound frame.
type Ack struct {
	// Type is "ack" on success or "error" when the event was rejected.
	Type string `json:"type"`

	// Event echoes the type of the frame being acknowledged.
	Event EventType `json:"event"`

	// Error describes why the event was rejected. Empty on success.
	Error string `json:"error,omitempty"`

	// Session carries the final session snapshot in the reply to a stop
	// event, on the error path too so a client keeps its data when the
	// final flush fails.
	Session *types.Session `json:"session,omitempty"`
}

// Handler upgrades requests on the ingest route to WebSocket connections and
// feeds the received events into the recording registry.
type Handler struct {
	registry *recorder.Registry
	metrics  *observe.Metrics
}

// NewHandler creates an ingest handler. A nil metrics falls back to
// [observe.DefaultMetrics].
func NewHandler(registry *recorder.Registry, metrics *observe.Metrics) *Handler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Handler{registry: registry, metrics: metrics}
}

var _ http.Handler = (*Handler)(nil)

// ServeHTTP handles "GET /workspaces/{workspaceID}/sessions/{sessionID}/stream".
// The session must already exist and be active; ended or unknown sessions are
// rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	workspaceID := r.PathValue("workspaceID")

	snap, err := h.registry.Snapshot(sessionID)
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if owner, err := h.registry.WorkspaceOf(sessionID); err != nil || owner != workspaceID {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if snap.State == types.StateEnded {
		http.Error(w, "session has ended", http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("stream: websocket accept failed", "session_id", sessionID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection abandoned")

	log := observe.Logger(r.Context()).With("session_id", sessionID, "workspace_id", workspaceID)
	log.Info("ingest stream opened")

	h.readLoop(r.Context(), conn, sessionID, log)
}

// readLoop processes frames until the client stops the session, the client
// disconnects, or the context is cancelled. On an unexpected disconnect the
// session is checkpointed so buffered transcript data survives.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, log *slog.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Info("ingest stream closed by client")
			} else {
				log.Warn("ingest stream read error", "err", err)
			}
			if cperr := h.registry.Checkpoint(ctx, sessionID); cperr != nil && !errors.Is(cperr, recorder.ErrUnknownSession) {
				log.Error("checkpoint after disconnect failed", "err", cperr)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.metrics.RecordIngest(ctx, "malformed", "rejected")
			h.writeAck(ctx, conn, Ack{Type: "error", Error: "malformed event frame"})
			continue
		}

		ack, stop := h.apply(ctx, sessionID, ev)
		h.writeAck(ctx, conn, ack)
		if stop {
			conn.Close(websocket.StatusNormalClosure, "session stopped")
			return
		}
	}
}

// apply dispatches one event to the registry and builds its ack. The second
// return value is true when the connection should close after the ack.
func (h *Handler) apply(ctx context.Context, sessionID string, ev Event) (Ack, bool) {
	ack := Ack{Type: "ack", Event: ev.Type}

	fail := func(err error) (Ack, bool) {
		h.metrics.RecordIngest(ctx, string(ev.Type), "rejected")
		ack.Type = "error"
		ack.Error = err.Error()
		return ack, false
	}

	switch ev.Type {
	case EventSegment:
		if ev.Segment == nil {
			return fail(errors.New("segment event without segment payload"))
		}
		if err := h.registry.Ingest(sessionID, *ev.Segment); err != nil {
			return fail(err)
		}

	case EventPause:
		if err := h.registry.Pause(ctx, sessionID); err != nil {
			return fail(err)
		}

	case EventResume:
		if err := h.registry.Resume(ctx, sessionID); err != nil {
			return fail(err)
		}

	case EventCheckpoint:
		if err := h.registry.Checkpoint(ctx, sessionID); err != nil {
			return fail(err)
		}

	case EventStop:
		snap, err := h.registry.Stop(ctx, sessionID)
		if err != nil && snap == nil {
			return fail(err)
		}
		if err != nil {
			// The session ended but its final flush failed. The client must
			// see the failure; the session stays registered so a later
			// checkpoint can retry, and the snapshot travels with the error.
			slog.Error("stop flush failed", "session_id", sessionID, "err", err)
			h.metrics.RecordIngest(ctx, string(ev.Type), "rejected")
			ack.Type = "error"
			ack.Error = err.Error()
			ack.Session = snap
			return ack, true
		}
		h.registry.Remove(ctx, sessionID)
		ack.Session = snap
		h.metrics.RecordIngest(ctx, string(ev.Type), "applied")
		return ack, true

	default:
		return fail(fmt.Errorf("unknown event type %q", ev.Type))
	}

	h.metrics.RecordIngest(ctx, string(ev.Type), "applied")
	return ack, false
}

// writeAck sends one ack frame. Write failures are logged, not fatal; the
// subsequent read will surface the broken connection.
func (h *Handler) writeAck(ctx context.Context, conn *websocket.Conn, ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		slog.Error("stream: marshal ack", "err", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("stream: ack write failed", "err", err)
	}
}
