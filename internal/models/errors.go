package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// GraphIntegrityError reports an authoring defect: a missing node, a missing
// edge for a branch, or a walk that never pauses. Message is user facing.
type GraphIntegrityError struct {
	GraphID string
	NodeID  string
	Message string
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("graph %s node %s: %s", e.GraphID, e.NodeID, e.Message)
}

// InputValidationError reports user input a node cannot accept. The walk
// re-emits the node so the user can retry. Message is user facing.
type InputValidationError struct {
	NodeID  string
	Input   string
	Message string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("invalid input %q at node %s: %s", e.Input, e.NodeID, e.Message)
}

// NotFoundError reports a missing session, graph or campaign.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ExternalLookupError reports a failed best-effort enrichment call.
type ExternalLookupError struct {
	Service string
	Key     string
	Err     error
}

func (e *ExternalLookupError) Error() string {
	return fmt.Sprintf("%s lookup for %q failed: %v", e.Service, e.Key, e.Err)
}

func (e *ExternalLookupError) Unwrap() error {
	return e.Err
}

// NewNotFound returns a NotFoundError for entity and id.
func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// UserMessage returns the user-facing text carried by err, and whether err is
// one the walk recovers from by re-emitting the current node.
func UserMessage(err error) (string, bool) {
	var iv *InputValidationError
	if errors.As(err, &iv) {
		return iv.Message, true
	}
	var gi *GraphIntegrityError
	if errors.As(err, &gi) {
		return gi.Message, true
	}
	return "", false
}
