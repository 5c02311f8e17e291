package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the export that produced an update.
type Kind string

// Supported export kinds.
const (
	KindTable  Kind = "table"
	KindBundle Kind = "bundle"
)

// Update is one progress value published by a session.
type Update struct {
	// SessionID identifies the export run that produced the value.
	SessionID uuid.UUID
	// Kind is the export kind of that session.
	Kind Kind
	// Value is the session's cumulative count: entries for tables, files
	// appended for bundles. It never decreases within a session.
	Value int
	// TS is when the reporter accepted the value.
	TS time.Time
	// Final marks the last value a session publishes.
	Final bool
}

// Message is the wire form delivered to observers.
type Message struct {
	Progress int `json:"progress"`
}

// Message returns the observer payload for u.
func (u Update) Message() Message {
	return Message{Progress: u.Value}
}

// Validate performs coarse validation on Update payloads.
func (u Update) Validate() error {
	if u.SessionID == uuid.Nil {
		return errors.New("session id is required")
	}
	switch u.Kind {
	case KindTable, KindBundle:
	default:
		return fmt.Errorf("unknown kind %q", u.Kind)
	}
	if u.Value < 0 {
		return errors.New("value must be >= 0")
	}
	return nil
}
