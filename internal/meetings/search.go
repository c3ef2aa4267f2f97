package meetings

import (
	"context"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/workdeck/workdeck/pkg/types"
)

// searchThreshold is the minimum Jaro-Winkler similarity for a segment to
// count as a fuzzy match. Tuned so that single-word typos still match while
// unrelated text does not.
const searchThreshold = 0.82

// SearchResult is one transcript segment that matched a search query, with
// enough context to jump back into the session.
type SearchResult struct {
	SessionID    string        `json:"session_id"`
	SessionTitle string        `json:"session_title"`
	Segment      types.Segment `json:"segment"`
	Score        float64       `json:"score"`
}

// SearchTranscripts scans the final transcript segments of every persisted
// session in the workspace and returns segments matching the query, best
// score first. Matching is case-insensitive: exact substring hits score 1.0,
// otherwise the query is compared against each word window of the segment
// text with Jaro-Winkler similarity.
func (s *Service) SearchTranscripts(ctx context.Context, workspaceID, query string) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}

	col, err := s.loadSessions(workspaceID)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, sess := range col {
		for _, seg := range sess.Segments {
			if !seg.IsFinal {
				continue
			}
			score := matchSegment(query, seg.Text)
			if score < searchThreshold {
				continue
			}
			results = append(results, SearchResult{
				SessionID:    sess.ID,
				SessionTitle: sess.Title,
				Segment:      seg,
				Score:        score,
			})
		}
	}

	slices.SortFunc(results, func(a, b SearchResult) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		// Equal scores fall back to transcript order within a session.
		if a.SessionID == b.SessionID {
			if a.Segment.StartTime < b.Segment.StartTime {
				return -1
			}
			if a.Segment.StartTime > b.Segment.StartTime {
				return 1
			}
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return results, nil
}

// matchSegment scores how well query matches the segment text. Substring
// containment short-circuits at 1.0; otherwise a sliding window of as many
// words as the query has is compared with Jaro-Winkler and the best window
// wins.
func matchSegment(query, text string) float64 {
	text = strings.ToLower(text)
	if strings.Contains(text, query) {
		return 1.0
	}

	words := strings.Fields(text)
	window := len(strings.Fields(query))
	if window == 0 || len(words) < window {
		return matchr.JaroWinkler(query, text, false)
	}

	best := 0.0
	for i := 0; i+window <= len(words); i++ {
		candidate := strings.Join(words[i:i+window], " ")
		if score := matchr.JaroWinkler(query, candidate, false); score > best {
			best = score
		}
	}
	return best
}
