package feedback

import "time"

type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
)

// ImpressionEvent is published after an impression has been persisted.
type ImpressionEvent struct {
	Type      EventType `json:"type"`
	RecordID  string    `json:"record_id"`
	Query     string    `json:"query"`
	DocID     string    `json:"doc_id"`
	Position  int       `json:"position"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// ClickEvent is both published after a local click and consumed from the
// clicks topic, where the presentation layer reports what users clicked.
type ClickEvent struct {
	Type      EventType `json:"type"`
	RecordID  string    `json:"record_id,omitempty"`
	Query     string    `json:"query"`
	DocID     string    `json:"doc_id"`
	Position  int       `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// Tracker receives feedback events after they are durable.
type Tracker interface {
	TrackImpression(ImpressionEvent)
	TrackClick(ClickEvent)
}

func newImpressionEvent(r Record) ImpressionEvent {
	return ImpressionEvent{
		Type:      EventImpression,
		RecordID:  r.ID,
		Query:     r.Query,
		DocID:     r.DocID,
		Position:  r.Position,
		Score:     r.Score,
		Timestamp: r.Timestamp,
	}
}

func newClickEvent(r Record) ClickEvent {
	ts := r.Timestamp
	if r.ClickedAt != nil {
		ts = *r.ClickedAt
	}
	return ClickEvent{
		Type:      EventClick,
		RecordID:  r.ID,
		Query:     r.Query,
		DocID:     r.DocID,
		Position:  r.Position,
		Timestamp: ts,
	}
}
