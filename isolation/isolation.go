// Package isolation gives each executing step a private working area. Changes
// made in an area reach the shared working tree only when the area is
// committed; a discarded area leaves the shared tree untouched.
package isolation

import (
	"context"
	"fmt"
)

// Area is one step's working scope
type Area interface {
	// Dir is the directory the step should read and write
	Dir() string

	// Commit merges the area's changes into the shared tree and releases it
	Commit(ctx context.Context) (*MergeResult, error)

	// Discard releases the area without merging
	Discard() error
}

// Isolator hands out working areas
type Isolator interface {
	Acquire(ctx context.Context, stepID string) (Area, error)
}

// MergeResult lists the paths, relative to the shared root, that a commit
// wrote or removed
type MergeResult struct {
	Written []string
	Removed []string
}

// PartialMergeError reports a commit that failed after it started changing
// the shared tree. Applied lists what had already been merged.
type PartialMergeError struct {
	Step    string
	Applied MergeResult
	Err     error
}

func (e *PartialMergeError) Error() string {
	return fmt.Sprintf("partial merge of step %q (%d written, %d removed): %v",
		e.Step, len(e.Applied.Written), len(e.Applied.Removed), e.Err)
}

func (e *PartialMergeError) Unwrap() error {
	return e.Err
}
