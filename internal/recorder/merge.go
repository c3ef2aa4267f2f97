package recorder

import (
	"slices"

	"github.com/workdeck/workdeck/pkg/types"
)

// mergeSegment applies one validated recognition segment to the session's
// transcript, keeping the segment sequence ordered by start time.
//
// Interim segments are transient scratch state: at most one interim per
// active speaker window. An incoming interim replaces any existing interim
// from the same speaker whose time window overlaps it.
//
// Final segments are authoritative. An incoming final removes every interim
// it overlaps regardless of speaker, then takes its place in start-time
// order. A final that reuses an existing final's ID replaces it in place
// (idempotent re-delivery). Two finals from the same speaker must not
// overlap; when they would, the later arrival wins within the overlap and
// the earlier final is trimmed out of the contested window (removed entirely
// if nothing remains). Overlapping finals from different speakers are both
// retained — concurrent speech is expected and diarization is a best-effort
// signal.
//
// After every merged final, the session duration is raised to the segment's
// end offset if it exceeds the current value.
func mergeSegment(s *types.Session, seg types.Segment) {
	if seg.IsFinal {
		mergeFinal(s, seg)
	} else {
		mergeInterim(s, seg)
	}
}

func mergeInterim(s *types.Session, seg types.Segment) {
	s.Segments = slices.DeleteFunc(s.Segments, func(e types.Segment) bool {
		if e.IsFinal {
			return false
		}
		return e.ID == seg.ID || (e.SpeakerID == seg.SpeakerID && e.Overlaps(seg))
	})
	insertOrdered(s, seg)
}

func mergeFinal(s *types.Session, seg types.Segment) {
	// Idempotent replace: a re-delivered final with a known ID supersedes the
	// stored one entirely.
	s.Segments = slices.DeleteFunc(s.Segments, func(e types.Segment) bool {
		return e.ID == seg.ID
	})

	// Final recognition is authoritative over interim guesses from any
	// speaker within its window.
	s.Segments = slices.DeleteFunc(s.Segments, func(e types.Segment) bool {
		return !e.IsFinal && e.Overlaps(seg)
	})

	// Same-speaker final overlap: later arrival wins, earlier is trimmed.
	kept := s.Segments[:0]
	for _, e := range s.Segments {
		if !e.IsFinal || e.SpeakerID != seg.SpeakerID || !e.Overlaps(seg) {
			kept = append(kept, e)
			continue
		}
		e = trimAround(e, seg)
		if e.EndTime > e.StartTime {
			kept = append(kept, e)
		}
	}
	s.Segments = kept

	insertOrdered(s, seg)
	if seg.EndTime > s.Duration {
		s.Duration = seg.EndTime
	}
}

// trimAround shrinks e so that its window no longer intersects winner.
// The surviving side is the one outside the winner's window; when the winner
// splits e in two, the leading side is kept (recognizer corrections rewrite
// the tail of an utterance, not its head).
func trimAround(e, winner types.Segment) types.Segment {
	switch {
	case e.StartTime < winner.StartTime:
		e.EndTime = winner.StartTime
	case e.EndTime > winner.EndTime:
		e.StartTime = winner.EndTime
	default:
		// Fully covered.
		e.EndTime = e.StartTime
	}
	return e
}

// insertOrdered places seg into the sequence keeping it sorted by StartTime.
// Equal start times keep arrival order.
func insertOrdered(s *types.Session, seg types.Segment) {
	i, _ := slices.BinarySearchFunc(s.Segments, seg, func(a, b types.Segment) int {
		switch {
		case a.StartTime < b.StartTime:
			return -1
		case a.StartTime > b.StartTime:
			return 1
		default:
			return 0
		}
	})
	// BinarySearchFunc returns the leftmost insertion point; advance past
	// equal starts so arrival order is preserved.
	for i < len(s.Segments) && s.Segments[i].StartTime == seg.StartTime {
		i++
	}
	s.Segments = slices.Insert(s.Segments, i, seg)
}
