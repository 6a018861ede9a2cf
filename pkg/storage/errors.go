package storage

import (
	"errors"
	"fmt"

	"github.com/goclaw/mnemo/pkg/packet"
)

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// ConflictError indicates a packet id already stored with different content.
type ConflictError struct {
	PacketID     string
	StoredHash   string
	IncomingHash string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("packet %s already exists with different content", e.PacketID)
}

// UnavailableError indicates that the storage backend cannot serve a request.
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// StatusTransitionError indicates a status update that would move a packet
// backwards in its lifecycle.
type StatusTransitionError struct {
	PacketID string
	From     packet.Status
	To       packet.Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("packet %s cannot move from %s to %s", e.PacketID, e.From, e.To)
}

// ErrClosed is the cause reported once a store has been closed.
var ErrClosed = errors.New("store closed")

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err is or wraps an *UnavailableError.
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// CheckWrite decides what a packet write does given the stored envelope
// (nil when absent). Both backends share it so duplicate and conflict
// semantics cannot drift.
func CheckWrite(stored, incoming *packet.Envelope) (WriteOutcome, error) {
	if stored == nil {
		return WriteCreated, nil
	}
	if stored.ContentHash != incoming.ContentHash {
		return "", &ConflictError{
			PacketID:     incoming.ID,
			StoredHash:   stored.ContentHash,
			IncomingHash: incoming.ContentHash,
		}
	}
	return WriteDuplicate, nil
}
