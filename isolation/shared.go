package isolation

import "context"

// SharedIsolator gives every step the shared tree itself. It suits steps that
// touch no files or that are never run concurrently.
type SharedIsolator struct {
	root string
}

func NewSharedIsolator(root string) *SharedIsolator {
	return &SharedIsolator{root: root}
}

func (s *SharedIsolator) Acquire(ctx context.Context, stepID string) (Area, error) {
	return sharedArea{dir: s.root}, nil
}

type sharedArea struct {
	dir string
}

func (a sharedArea) Dir() string { return a.dir }

func (a sharedArea) Commit(ctx context.Context) (*MergeResult, error) {
	return &MergeResult{}, nil
}

func (a sharedArea) Discard() error { return nil }
