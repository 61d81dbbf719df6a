// Package events publishes resume pipeline completion events.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TypeParsed = "resume.parsed"
	TypeFailed = "resume.failed"
)

// Event announces that a resume reached a terminal state.
type Event struct {
	Type            string    `json:"type"`
	ResumeID        string    `json:"resumeId"`
	OwnerID         string    `json:"ownerId"`
	State           string    `json:"state"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	ProfileID       string    `json:"profileId,omitempty"`
	ParseConfidence *float64  `json:"parseConfidence,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Publisher delivers events. Delivery is best effort; callers log failures.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

func encode(ev Event) ([]byte, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return json.Marshal(ev)
}
