package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStateNotFound matches any NotFoundError via errors.Is
	ErrStateNotFound = errors.New("state not found")

	// ErrStateCorrupted matches any CorruptionError via errors.Is
	ErrStateCorrupted = errors.New("state corrupted")

	// ErrMigration matches any MigrationError via errors.Is
	ErrMigration = errors.New("state migration failed")
)

// NotFoundError is returned when no persisted state exists for a run
type NotFoundError struct {
	RunID    string
	Location string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("no state found for run %q at %s", e.RunID, e.Location)
	}
	return fmt.Sprintf("no state found at %s", e.Location)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrStateNotFound
}

// CorruptionError is returned when persisted state fails validation. The
// checksums are set when the failure was a checksum mismatch.
type CorruptionError struct {
	Location         string
	Reason           string
	ExpectedChecksum string
	ActualChecksum   string
	Err              error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("corrupted state at %s: %s", e.Location, e.Reason)
	if e.ExpectedChecksum != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.ExpectedChecksum, e.ActualChecksum)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrStateCorrupted
}

// MigrationError is returned when persisted state cannot be brought to the
// current format version
type MigrationError struct {
	Location string
	From     int
	To       int
	Err      error
}

func (e *MigrationError) Error() string {
	msg := fmt.Sprintf("cannot migrate state at %s from version %d to %d", e.Location, e.From, e.To)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func (e *MigrationError) Is(target error) bool {
	return target == ErrMigration
}
