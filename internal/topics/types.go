package topics

import "time"

// State is the lifecycle state of a tracked topic.
type State string

const (
	StateEntering    State = "entering"
	StateGrowing     State = "growing"
	StateShrinking   State = "shrinking"
	StateDisappeared State = "disappeared"
)

// Post is a normalized post from any source. Immutable once constructed;
// owned by the window aggregator until folded into a batch.
type Post struct {
	SourceID   string    `json:"source_id"`
	ExternalID string    `json:"external_id"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
	Language   string    `json:"language,omitempty"`
}

// Batch is a sealed window of posts from one source. Produced exactly once
// per non-empty window, consumed exactly once by extraction, never mutated.
type Batch struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Texts       []string  `json:"texts"`
	PostCount   int       `json:"post_count"`
}

// Candidate is a scored topic candidate returned by extraction for one batch.
type Candidate struct {
	RawName        string  `json:"raw_name"`
	RelevanceScore float64 `json:"relevance_score"`
	MentionCount   int     `json:"mention_count"`
}

// Topic is a tracked trend with a decaying score and lifecycle state.
// Owned exclusively by the merge engine; everything handed out of the
// engine is a copy.
type Topic struct {
	Key               string         `json:"key"`
	DisplayName       string         `json:"display_name"`
	Score             float64        `json:"score"`
	State             State          `json:"state"`
	FirstSeen         time.Time      `json:"first_seen"`
	LastSeen          time.Time      `json:"last_seen"`
	ConsecutiveAbsent int            `json:"consecutive_absent_batches"`
	SourceBreakdown   map[string]int `json:"source_breakdown,omitempty"`
}

// View is the read shape exposed to the presentation layer.
type View struct {
	Key         string  `json:"key"`
	DisplayName string  `json:"display_name"`
	Score       float64 `json:"score"`
	State       State   `json:"state"`
}

// ViewOf projects a topic into its presentation shape.
func ViewOf(t Topic) View {
	return View{
		Key:         t.Key,
		DisplayName: t.DisplayName,
		Score:       t.Score,
		State:       t.State,
	}
}

// Views projects a slice of topics, preserving order.
func Views(ts []Topic) []View {
	views := make([]View, 0, len(ts))
	for _, t := range ts {
		views = append(views, ViewOf(t))
	}
	return views
}

// Clone returns a deep copy of the topic, safe to hand to readers.
func (t Topic) Clone() Topic {
	out := t
	if t.SourceBreakdown != nil {
		out.SourceBreakdown = make(map[string]int, len(t.SourceBreakdown))
		for k, v := range t.SourceBreakdown {
			out.SourceBreakdown[k] = v
		}
	}
	return out
}
