package workflow

import (
	"context"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
	"github.com/wtthornton/TappsCodingAgents-sub003/store"
)

// Checkpointer persists run snapshots. *store.Store satisfies it.
type Checkpointer interface {
	// Commit durably records the snapshot as the latest state of the run
	// and appends it to the run's history
	Commit(ctx context.Context, snap *state.Snapshot, stepID string) (*store.Metadata, error)

	// Load returns the latest valid snapshot of a run
	Load(ctx context.Context, ref string, opts ...store.LoadOption) (*state.Snapshot, *store.Metadata, error)
}

var _ Checkpointer = (*store.Store)(nil)
