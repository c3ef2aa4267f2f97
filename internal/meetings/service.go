// Package meetings exposes the per-workspace meeting collections on top of
// the document store: the recording sessions collection and the settings
// document.
//
// Each workspace owns one sessions document (a map of session ID to session)
// and one settings document. Both are read and replaced wholesale, relying on
// the store's atomic writes; the service adds a per-workspace mutex so that
// concurrent read-modify-write cycles on the sessions collection do not lose
// updates.
//
// All methods are safe for concurrent use.
package meetings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/workdeck/workdeck/internal/docstore"
	"github.com/workdeck/workdeck/internal/recorder"
	"github.com/workdeck/workdeck/pkg/types"
)

var _ recorder.SessionSaver = (*Service)(nil)

var (
	// ErrNotFound is returned when the requested session does not exist in
	// the workspace's collection.
	ErrNotFound = errors.New("meetings: session not found")

	// ErrInvalidSettings is returned when a settings document fails
	// validation. Nothing is written in that case.
	ErrInvalidSettings = errors.New("meetings: invalid settings")
)

const (
	// sessionsKey is the document key of the per-workspace sessions collection.
	sessionsKey = "meetings/sessions"

	// settingsKey is the document key of the per-workspace settings document.
	settingsKey = "settings"
)

// Service provides the meeting session and settings operations for all
// workspaces.
type Service struct {
	store *docstore.Store

	// mu guards the per-workspace lock table serializing read-modify-write
	// cycles on a workspace's sessions collection, and the defaults.
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	defaults types.Settings
}

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithDefaults sets the settings served to workspaces that have never saved
// their own. Without this option, [types.DefaultSettings] is used.
func WithDefaults(settings types.Settings) ServiceOption {
	return func(s *Service) { s.defaults = settings }
}

// NewService creates a Service backed by the given store.
func NewService(store *docstore.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		locks:    make(map[string]*sync.Mutex),
		defaults: types.DefaultSettings(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetDefaults replaces the fallback settings at runtime. Used when the server
// configuration is hot-reloaded.
func (s *Service) SetDefaults(settings types.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = settings
}

// ListSessions returns every persisted session in the workspace, newest
// first.
func (s *Service) ListSessions(ctx context.Context, workspaceID string) ([]*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	col, err := s.loadSessions(workspaceID)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Session, 0, len(col))
	for _, sess := range col {
		out = append(out, sess)
	}
	slices.SortFunc(out, func(a, b *types.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// GetSession returns one session by ID, or [ErrNotFound].
func (s *Service) GetSession(ctx context.Context, workspaceID, sessionID string) (*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	col, err := s.loadSessions(workspaceID)
	if err != nil {
		return nil, err
	}
	sess, ok := col[sessionID]
	if !ok {
		return nil, fmt.Errorf("meetings: session %q in workspace %q: %w", sessionID, workspaceID, ErrNotFound)
	}
	return sess, nil
}

// SaveSession upserts the session into the workspace's collection, keyed by
// session ID. Saving the same session twice is idempotent.
func (s *Service) SaveSession(ctx context.Context, workspaceID string, sess *types.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess == nil || sess.ID == "" {
		return errors.New("meetings: session must have an ID")
	}

	l := s.workspaceLock(workspaceID)
	l.Lock()
	defer l.Unlock()

	col, err := s.loadSessions(workspaceID)
	if err != nil {
		return err
	}
	col[sess.ID] = sess.Clone()
	return s.store.Write(workspaceID, sessionsKey, col)
}

// DeleteSession removes the session from the workspace's collection.
// Returns [ErrNotFound] when no such session is persisted.
func (s *Service) DeleteSession(ctx context.Context, workspaceID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.workspaceLock(workspaceID)
	l.Lock()
	defer l.Unlock()

	col, err := s.loadSessions(workspaceID)
	if err != nil {
		return err
	}
	if _, ok := col[sessionID]; !ok {
		return fmt.Errorf("meetings: session %q in workspace %q: %w", sessionID, workspaceID, ErrNotFound)
	}
	delete(col, sessionID)
	if err := s.store.Write(workspaceID, sessionsKey, col); err != nil {
		return err
	}
	slog.Info("session deleted", "session_id", sessionID, "workspace_id", workspaceID)
	return nil
}

// UpdateNotes replaces the notes of a persisted session. Notes are the one
// field that remains editable after a session has ended.
func (s *Service) UpdateNotes(ctx context.Context, workspaceID, sessionID, notes string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.workspaceLock(workspaceID)
	l.Lock()
	defer l.Unlock()

	col, err := s.loadSessions(workspaceID)
	if err != nil {
		return err
	}
	sess, ok := col[sessionID]
	if !ok {
		return fmt.Errorf("meetings: session %q in workspace %q: %w", sessionID, workspaceID, ErrNotFound)
	}
	sess.Notes = notes
	return s.store.Write(workspaceID, sessionsKey, col)
}

// GetSettings returns the workspace's settings, falling back to
// [types.DefaultSettings] when the workspace has never saved any.
func (s *Service) GetSettings(ctx context.Context, workspaceID string) (types.Settings, error) {
	if err := ctx.Err(); err != nil {
		return types.Settings{}, err
	}
	s.mu.Lock()
	settings := s.defaults
	s.mu.Unlock()
	if _, err := s.store.Read(workspaceID, settingsKey, &settings); err != nil {
		return types.Settings{}, err
	}
	return settings, nil
}

// SaveSettings validates and replaces the workspace's settings wholesale.
// Partial patches are not supported by design.
func (s *Service) SaveSettings(ctx context.Context, workspaceID string, settings types.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSettings(settings); err != nil {
		return err
	}
	return s.store.Write(workspaceID, settingsKey, settings)
}

// ResetSettings removes the workspace's saved settings so that the fallback
// defaults apply again. Resetting a workspace that never saved settings is a
// no-op.
func (s *Service) ResetSettings(ctx context.Context, workspaceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.Delete(workspaceID, settingsKey)
}

// validateSettings checks that settings contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func validateSettings(settings types.Settings) error {
	var errs []error
	if settings.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if settings.Language == "" {
		errs = append(errs, errors.New("language is required"))
	} else if strings.ContainsAny(settings.Language, " \t") {
		errs = append(errs, fmt.Errorf("language %q must be a BCP-47 tag", settings.Language))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
	}
	return nil
}

// loadSessions reads the workspace's sessions collection, returning an empty
// collection when none has been persisted yet.
func (s *Service) loadSessions(workspaceID string) (map[string]*types.Session, error) {
	col := make(map[string]*types.Session)
	if _, err := s.store.Read(workspaceID, sessionsKey, &col); err != nil {
		return nil, err
	}
	return col, nil
}

// workspaceLock returns the mutex serializing collection updates for the
// workspace, creating it on first use.
func (s *Service) workspaceLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workspaceID] = l
	}
	return l
}
