// Package uuid generates export session and observer connection ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered session ids and random connection ids.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// SessionID returns a UUIDv7 so session ids sort by start time in logs and
// retained object keys.
func (Generator) SessionID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

// ConnectionID returns a UUIDv4 string for an observer connection.
func (Generator) ConnectionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return id.String(), nil
}
