package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

// Type is the outcome an Event reports.
type Type string

// Event types.
const (
	TypeSucceeded    Type = "succeeded"
	TypeRetrying     Type = "retrying"
	TypeDeadLettered Type = "dead_lettered"
	TypeDropped      Type = "dropped"
)

// Event is one job resolution. Retrying events carry the backoff hint
// (FailCount, RetryAt); dead-lettered events are the permanent-failure signal.
type Event struct {
	ID        string            `json:"id"`
	TS        time.Time         `json:"ts"`
	Type      Type              `json:"type"`
	Key       string            `json:"key"`
	Plugin    string            `json:"plugin,omitempty"`
	Op        scraper.Operation `json:"op,omitempty"`
	FailCount int               `json:"fail_count"`
	RetryAt   time.Time         `json:"retry_at,omitzero"`
	ErrorKind scraper.ErrorKind `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    *scraper.Result   `json:"result,omitempty"`
	Dur       time.Duration     `json:"duration_ns"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Key == "" {
		return errors.New("key is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeSucceeded, TypeDropped:
	case TypeRetrying:
		if e.RetryAt.IsZero() {
			return errors.New("retrying event requires retry_at")
		}
	case TypeDeadLettered:
		if e.Error == "" {
			return errors.New("dead-lettered event requires error")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether no further events will follow for this attempt
// chain.
func (e Event) Terminal() bool {
	return e.Type != TypeRetrying
}
