// Package types defines the shared types used across all Workdeck packages.
//
// These types form the lingua franca between the document store, the
// recording engine, the meetings service, and the HTTP layer. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// SessionState is the lifecycle state of a recording session.
type SessionState string

const (
	// StateIdle means the session exists but recording has not started.
	// Sessions created through the registry start recording immediately, so
	// the state mostly appears in documents imported from other tools.
	StateIdle SessionState = "idle"

	// StateRecording means the session is live and accepts segments for merging.
	StateRecording SessionState = "recording"

	// StatePaused means the session is live but incoming segments are buffered
	// until the session resumes.
	StatePaused SessionState = "paused"

	// StateEnded is terminal. An ended session rejects all further segments
	// and transitions; only its notes may still be edited.
	StateEnded SessionState = "ended"
)

// IsValid reports whether s is a recognised session state.
func (s SessionState) IsValid() bool {
	switch s {
	case StateIdle, StateRecording, StatePaused, StateEnded:
		return true
	}
	return false
}

// Active reports whether the session still accepts segment ingestion
// (recording or paused).
func (s SessionState) Active() bool {
	return s == StateRecording || s == StatePaused
}

// Segment is a single transcript segment produced by speech recognition.
// Both interim (provisional) and final (authoritative) results use this type.
type Segment struct {
	// ID uniquely identifies the segment within its session.
	ID string `json:"id"`

	// Text is the recognised speech content.
	Text string `json:"text"`

	// StartTime is the segment's start offset in seconds, relative to the
	// start of the session.
	StartTime float64 `json:"start_time"`

	// EndTime is the segment's end offset in seconds, relative to the start
	// of the session. Always >= StartTime.
	EndTime float64 `json:"end_time"`

	// Speaker is an optional human-readable speaker label.
	Speaker string `json:"speaker,omitempty"`

	// SpeakerID is the diarization speaker index when diarization is active.
	// Zero means no speaker was identified.
	SpeakerID int `json:"speaker_id,omitempty"`

	// Confidence is the recognition confidence score (0.0–1.0). May be zero
	// if the recognizer does not report confidence.
	Confidence float64 `json:"confidence,omitempty"`

	// IsFinal indicates whether this is a final (authoritative) or interim
	// (provisional) recognition result.
	IsFinal bool `json:"is_final"`

	// CreatedAt is when the segment was first accepted.
	CreatedAt time.Time `json:"created_at"`
}

// Overlaps reports whether the [StartTime, EndTime) windows of s and other
// intersect.
func (s Segment) Overlaps(other Segment) bool {
	return s.StartTime < other.EndTime && other.StartTime < s.EndTime
}

// Session is one meeting-recording capture and its transcript.
type Session struct {
	// ID uniquely identifies the session within its workspace.
	ID string `json:"id"`

	// Title is the user-facing meeting title.
	Title string `json:"title"`

	// State is the current lifecycle state.
	State SessionState `json:"state"`

	// CreatedAt is when the capture was started.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt advances monotonically on every accepted mutation.
	UpdatedAt time.Time `json:"updated_at"`

	// EndedAt is set once the session reaches StateEnded.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Duration is the accumulated recording length in seconds. It tracks the
	// largest end offset among accepted final segments.
	Duration float64 `json:"duration"`

	// Segments is the reconciled transcript, ordered by StartTime.
	Segments []Segment `json:"segments"`

	// AudioPath references the stored audio artifact when SaveAudio is set.
	// The engine never reads or writes audio bytes itself.
	AudioPath string `json:"audio_path,omitempty"`

	// SaveAudio records whether the capture keeps its audio artifact.
	SaveAudio bool `json:"save_audio"`

	// Notes is free-text attached to the meeting. Editable even after the
	// session has ended.
	Notes string `json:"notes,omitempty"`
}

// Clone returns a deep copy of the session. Used when handing snapshots
// across goroutine boundaries (flush, API responses).
func (s *Session) Clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.Segments = make([]Segment, len(s.Segments))
	copy(cp.Segments, s.Segments)
	return &cp
}

// Settings is the per-workspace recording configuration. Settings documents
// are replaced wholesale, never partially patched.
type Settings struct {
	// SaveAudio controls whether new sessions keep their audio artifact.
	SaveAudio bool `json:"save_audio"`

	// Model selects the recognition model (e.g., "nova-2").
	Model string `json:"model"`

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	Language string `json:"language"`

	// Diarization enables per-speaker attribution of segments.
	Diarization bool `json:"diarization"`
}

// DefaultSettings returns the settings applied to a workspace that has never
// saved its own.
func DefaultSettings() Settings {
	return Settings{
		SaveAudio:   false,
		Model:       "nova-2",
		Language:    "en-US",
		Diarization: true,
	}
}
