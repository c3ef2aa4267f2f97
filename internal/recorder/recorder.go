// Package recorder implements the live transcript reconciliation engine for
// meeting recordings.
//
// A recording session receives a continuous, possibly out-of-order stream of
// speech-recognition segments — low-latency interim guesses and authoritative
// finals, multi-speaker, confidence-scored — and merges them into a single
// consistent, appendable transcript. The [Registry] owns every live session,
// drives its state machine (recording → paused → recording → ended), and
// flushes the full session document to persistent storage at defined points
// (pause, stop, checkpoint) rather than on every recognition event.
//
// Ingestion and transitions are synchronous and in-memory; the flush path is
// the sole blocking operation. Callers deliver one session's events from a
// single logical stream in arrival order; distinct sessions proceed fully in
// parallel.
//
// All exported methods are safe for concurrent use.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workdeck/workdeck/internal/observe"
	"github.com/workdeck/workdeck/pkg/types"
)

// ErrUnknownSession is returned for operations on a session ID the registry
// has never seen or has already destroyed.
var ErrUnknownSession = errors.New("recorder: unknown session")

// ErrSessionEnded is returned for segment ingestion or transitions on a
// session that has already reached its terminal state.
var ErrSessionEnded = errors.New("recorder: session has ended")

// ErrInvalidSegment is returned for malformed segment input (missing ID,
// startTime > endTime, out-of-range confidence). The segment is dropped
// without mutating session state.
var ErrInvalidSegment = errors.New("recorder: invalid segment")

// ErrPersistFailed wraps store failures during a flush. In-memory session
// state is retained, so the caller may safely retry the flush (via
// [Registry.Checkpoint]).
var ErrPersistFailed = errors.New("recorder: persist failed")

// SessionSaver persists a full session snapshot for a workspace. Implemented
// by the meetings service on top of the document store.
type SessionSaver interface {
	SaveSession(ctx context.Context, workspaceID string, s *types.Session) error
}

// liveSession is a session owned by the registry, together with its
// reconciliation scratch state. ingestion order is preserved by mu: the
// surrounding system serializes one session's events through a single stream,
// and mu protects against unrelated concurrent API calls (checkpoints, reads).
type liveSession struct {
	mu          sync.Mutex
	workspaceID string
	s           *types.Session

	// buffer holds validated segments received while paused. They are merged
	// in arrival order on resume (or during the final merge pass on stop).
	buffer []types.Segment
}

// Registry is the process-wide map of live recording sessions. Sessions are
// created by [Registry.Start], reach their terminal state via [Registry.Stop],
// and are removed from the registry by [Registry.Remove] once no caller needs
// the in-memory copy anymore (the persisted document outlives it).
type Registry struct {
	saver   SessionSaver
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// RegistryConfig holds the dependencies for a [Registry].
type RegistryConfig struct {
	// Saver persists session snapshots on flush. Required.
	Saver SessionSaver

	// Metrics receives ingest/transition/flush instrumentation.
	// Defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewRegistry creates a Registry with the given dependencies.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Saver == nil {
		return nil, errors.New("recorder: RegistryConfig.Saver must not be nil")
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		saver:    cfg.Saver,
		metrics:  m,
		now:      now,
		sessions: make(map[string]*liveSession),
	}, nil
}

// StartOptions configures a new recording session.
type StartOptions struct {
	// Title is the user-facing meeting title. Defaults to "Meeting".
	Title string

	// SaveAudio marks the session as keeping its audio artifact.
	SaveAudio bool
}

// Start allocates a new session for the workspace and begins recording.
// Returns a snapshot of the freshly created session.
func (r *Registry) Start(ctx context.Context, workspaceID string, opts StartOptions) (*types.Session, error) {
	if workspaceID == "" {
		return nil, errors.New("recorder: workspaceID must not be empty")
	}
	title := opts.Title
	if title == "" {
		title = "Meeting"
	}

	now := r.now().UTC()
	s := &types.Session{
		ID:        uuid.NewString(),
		Title:     title,
		State:     types.StateRecording,
		CreatedAt: now,
		UpdatedAt: now,
		Segments:  []types.Segment{},
		SaveAudio: opts.SaveAudio,
	}

	r.mu.Lock()
	r.sessions[s.ID] = &liveSession{workspaceID: workspaceID, s: s}
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(ctx, 1)
	r.metrics.RecordTransition(ctx, "start")
	slog.Info("recording started",
		"session_id", s.ID,
		"workspace_id", workspaceID,
		"title", title,
		"save_audio", opts.SaveAudio,
	)
	return s.Clone(), nil
}

// Ingest offers one recognition segment to the session. The segment is merged
// immediately while recording, buffered while paused, and rejected with
// [ErrSessionEnded] once the session has ended. Malformed segments fail with
// [ErrInvalidSegment] and leave the transcript untouched.
func (r *Registry) Ingest(sessionID string, seg types.Segment) error {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	ctx := context.Background()
	kind := segmentKind(seg)

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.s.State == types.StateEnded {
		r.metrics.RecordIngest(ctx, kind, "rejected")
		return fmt.Errorf("recorder: ingest into session %q: %w", sessionID, ErrSessionEnded)
	}
	if err := validateSegment(seg); err != nil {
		r.metrics.RecordIngest(ctx, kind, "rejected")
		return err
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = r.now().UTC()
	}

	if ls.s.State == types.StatePaused {
		ls.buffer = append(ls.buffer, seg)
		ls.touch(r.now())
		r.metrics.RecordIngest(ctx, kind, "buffered")
		return nil
	}

	mergeSegment(ls.s, seg)
	ls.touch(r.now())
	r.metrics.RecordIngest(ctx, kind, "merged")
	return nil
}

// Pause freezes the session. Further segments are buffered until resume, and
// the current state is flushed to storage. Pausing an already-paused session
// is a no-op.
func (r *Registry) Pause(ctx context.Context, sessionID string) error {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	switch ls.s.State {
	case types.StateEnded:
		return fmt.Errorf("recorder: pause session %q: %w", sessionID, ErrSessionEnded)
	case types.StatePaused:
		return nil
	}

	ls.s.State = types.StatePaused
	ls.touch(r.now())
	r.metrics.RecordTransition(ctx, "pause")
	slog.Info("recording paused", "session_id", sessionID)

	return r.flushLocked(ctx, ls)
}

// Resume returns a paused session to recording and merges the segments
// buffered during the pause in their arrival order. Resuming a session that
// is already recording is a no-op.
func (r *Registry) Resume(ctx context.Context, sessionID string) error {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	switch ls.s.State {
	case types.StateEnded:
		return fmt.Errorf("recorder: resume session %q: %w", sessionID, ErrSessionEnded)
	case types.StateRecording:
		return nil
	}

	ls.s.State = types.StateRecording
	ls.drainBuffer()
	ls.touch(r.now())
	r.metrics.RecordTransition(ctx, "resume")
	slog.Info("recording resumed", "session_id", sessionID, "merged_buffered", true)
	return nil
}

// Stop ends the session: any buffered segments are merged in a final pass,
// endedAt is set, and the full session is persisted. Stop is terminal — a
// second Stop on the same session fails with [ErrSessionEnded] and leaves the
// session data unchanged. A failed flush returns [ErrPersistFailed] wrapped;
// the session stays ended in memory and the flush can be retried with
// [Registry.Checkpoint].
//
// Returns the final session snapshot (also on flush failure, so the caller
// can inspect what will be persisted on retry).
func (r *Registry) Stop(ctx context.Context, sessionID string) (*types.Session, error) {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.s.State == types.StateEnded {
		return nil, fmt.Errorf("recorder: stop session %q: %w", sessionID, ErrSessionEnded)
	}

	ls.drainBuffer()
	now := r.now().UTC()
	ls.s.State = types.StateEnded
	ls.s.EndedAt = &now
	ls.touch(now)

	r.metrics.ActiveSessions.Add(ctx, -1)
	r.metrics.RecordTransition(ctx, "stop")
	slog.Info("recording stopped",
		"session_id", sessionID,
		"duration_s", ls.s.Duration,
		"segments", len(ls.s.Segments),
	)

	snap := ls.s.Clone()
	if err := r.flushLocked(ctx, ls); err != nil {
		return snap, err
	}
	return snap, nil
}

// Checkpoint flushes the session's current state to storage without changing
// its state. Valid in every state, including ended (retry path for a failed
// stop flush).
func (r *Registry) Checkpoint(ctx context.Context, sessionID string) error {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return r.flushLocked(ctx, ls)
}

// SetNotes replaces the session's free-text notes. Notes remain editable
// after the session has ended; the change is persisted on the next flush.
func (r *Registry) SetNotes(sessionID, notes string) error {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.s.Notes = notes
	ls.touch(r.now())
	return nil
}

// SetAudioPath records the audio artifact reference for the session. The
// engine stores the reference opaquely and never touches audio bytes.
// Rejected once the session has ended.
func (r *Registry) SetAudioPath(sessionID, path string) error {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.s.State == types.StateEnded {
		return fmt.Errorf("recorder: set audio path on session %q: %w", sessionID, ErrSessionEnded)
	}
	ls.s.AudioPath = path
	ls.touch(r.now())
	return nil
}

// Snapshot returns a deep copy of the session's current in-memory state.
func (r *Registry) Snapshot(sessionID string) (*types.Session, error) {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.s.Clone(), nil
}

// WorkspaceOf returns the workspace that owns the session.
func (r *Registry) WorkspaceOf(sessionID string) (string, error) {
	ls, err := r.lookup(sessionID)
	if err != nil {
		return "", err
	}
	return ls.workspaceID, nil
}

// Remove destroys the registry's in-memory copy of the session. Subsequent
// operations on the ID fail with [ErrUnknownSession]. Removing an unknown
// session is a no-op.
func (r *Registry) Remove(ctx context.Context, sessionID string) {
	r.mu.Lock()
	ls, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if ok {
		ls.mu.Lock()
		if ls.s.State != types.StateEnded {
			r.metrics.ActiveSessions.Add(ctx, -1)
		}
		ls.mu.Unlock()
		slog.Info("session removed from registry", "session_id", sessionID)
	}
}

// IDs returns the IDs of every session currently held by the registry.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// lookup resolves a live session or fails with ErrUnknownSession.
func (r *Registry) lookup(sessionID string) (*liveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("recorder: session %q: %w", sessionID, ErrUnknownSession)
	}
	return ls, nil
}

// flushLocked persists a snapshot of ls. Caller holds ls.mu.
func (r *Registry) flushLocked(ctx context.Context, ls *liveSession) error {
	start := time.Now()
	snap := ls.s.Clone()
	err := r.saver.SaveSession(ctx, ls.workspaceID, snap)
	r.metrics.FlushDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		r.metrics.FlushErrors.Add(ctx, 1)
		slog.Warn("session flush failed", "session_id", ls.s.ID, "workspace_id", ls.workspaceID, "err", err)
		return fmt.Errorf("recorder: flush session %q: %w: %w", ls.s.ID, ErrPersistFailed, err)
	}
	return nil
}

// touch advances the session's UpdatedAt strictly monotonically.
func (ls *liveSession) touch(now time.Time) {
	now = now.UTC()
	if !now.After(ls.s.UpdatedAt) {
		now = ls.s.UpdatedAt.Add(time.Nanosecond)
	}
	ls.s.UpdatedAt = now
}

// drainBuffer merges segments buffered during a pause, in arrival order.
// Caller holds ls.mu.
func (ls *liveSession) drainBuffer() {
	for _, seg := range ls.buffer {
		mergeSegment(ls.s, seg)
	}
	ls.buffer = nil
}

// validateSegment checks segment well-formedness. It never mutates state.
func validateSegment(seg types.Segment) error {
	if seg.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSegment)
	}
	if seg.StartTime < 0 {
		return fmt.Errorf("%w: negative start time %.3f", ErrInvalidSegment, seg.StartTime)
	}
	if seg.EndTime < seg.StartTime {
		return fmt.Errorf("%w: start %.3f after end %.3f", ErrInvalidSegment, seg.StartTime, seg.EndTime)
	}
	if seg.Confidence < 0 || seg.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range [0, 1]", ErrInvalidSegment, seg.Confidence)
	}
	return nil
}

// segmentKind labels a segment for metrics attributes.
func segmentKind(seg types.Segment) string {
	if seg.IsFinal {
		return "final"
	}
	return "interim"
}
