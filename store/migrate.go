package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MigrationFunc transforms a run payload from one format version to another.
// It receives a private copy and may modify it freely.
type MigrationFunc func(run map[string]any) (map[string]any, error)

type migrationEdge struct {
	from, to int
}

// Migrator holds the registered format migrations. Paths are resolved by
// always taking the largest registered jump that does not overshoot the
// target version.
type Migrator struct {
	mu         sync.RWMutex
	current    int
	migrations map[migrationEdge]MigrationFunc
}

// NewMigrator returns a migrator targeting the given version
func NewMigrator(current int) *Migrator {
	return &Migrator{
		current:    current,
		migrations: map[migrationEdge]MigrationFunc{},
	}
}

// DefaultMigrator returns a migrator with the built-in migrations registered
func DefaultMigrator() *Migrator {
	m := NewMigrator(CurrentVersion)
	m.Register(1, 2, migrateV1toV2)
	m.Register(2, 3, migrateV2toV3)
	return m
}

// Current returns the target version
func (m *Migrator) Current() int {
	return m.current
}

// Register adds a migration from one version to a later one
func (m *Migrator) Register(from, to int, fn MigrationFunc) {
	if to <= from {
		panic(fmt.Sprintf("invalid migration %d -> %d", from, to))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations[migrationEdge{from, to}] = fn
}

// Path returns the sequence of versions visited when migrating from the given
// version to the current one
func (m *Migrator) Path(from int) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from > m.current {
		return nil, fmt.Errorf("version %d is newer than supported version %d", from, m.current)
	}
	path := []int{from}
	for v := from; v < m.current; {
		next := -1
		for edge := range m.migrations {
			if edge.from == v && edge.to <= m.current && edge.to > next {
				next = edge.to
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("no migration registered from version %d", v)
		}
		path = append(path, next)
		v = next
	}
	return path, nil
}

// Migrate applies the registered migrations to bring run from the given
// version to the current one. The input map is never modified.
func (m *Migrator) Migrate(run map[string]any, from int) (out map[string]any, err error) {
	path, err := m.Path(from)
	if err != nil {
		return nil, &MigrationError{From: from, To: m.current, Err: err}
	}
	out = deepCopy(run)
	for i := 0; i+1 < len(path); i++ {
		edge := migrationEdge{path[i], path[i+1]}
		m.mu.RLock()
		fn := m.migrations[edge]
		m.mu.RUnlock()
		out, err = applyMigration(fn, out)
		if err != nil {
			return nil, &MigrationError{From: edge.from, To: edge.to, Err: err}
		}
	}
	return out, nil
}

func applyMigration(fn MigrationFunc, run map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("migration panicked: %v", r)
		}
	}()
	out, err = fn(run)
	if err == nil && out == nil {
		err = fmt.Errorf("migration returned no data")
	}
	return out, err
}

func deepCopy(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}

// Version 1 stored artifacts as plain paths and had no notion of skipped steps.
func migrateV1toV2(run map[string]any) (map[string]any, error) {
	startedAt, _ := run["started_at"].(string)
	artifacts := map[string]any{}
	if raw, ok := run["artifacts"]; ok && raw != nil {
		old, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("artifacts: expected object, got %T", raw)
		}
		for name, value := range old {
			switch v := value.(type) {
			case string:
				kind := "file"
				if strings.HasSuffix(v, "/") {
					kind = "directory"
				}
				artifact := map[string]any{"path": v, "kind": kind}
				if startedAt != "" {
					artifact["created_at"] = startedAt
				}
				artifacts[name] = artifact
			case map[string]any:
				artifacts[name] = v
			default:
				return nil, fmt.Errorf("artifact %q: unexpected type %T", name, value)
			}
		}
	}
	run["artifacts"] = artifacts
	if _, ok := run["skipped_steps"]; !ok || run["skipped_steps"] == nil {
		run["skipped_steps"] = []any{}
	}
	if status, _ := run["status"].(string); status == "in_progress" {
		run["status"] = "running"
	}
	return run, nil
}

// Version 3 added per-step records, loopback counters and the execution count.
func migrateV2toV3(run map[string]any) (map[string]any, error) {
	completed, _ := run["completed_steps"].([]any)
	skipped, _ := run["skipped_steps"].([]any)
	if _, ok := run["steps"]; !ok || run["steps"] == nil {
		steps := map[string]any{}
		for _, id := range completed {
			name, ok := id.(string)
			if !ok {
				return nil, fmt.Errorf("completed_steps: expected string, got %T", id)
			}
			steps[name] = map[string]any{"status": "completed", "attempts": 1}
		}
		run["steps"] = steps
	}
	if _, ok := run["loopbacks"]; !ok || run["loopbacks"] == nil {
		run["loopbacks"] = map[string]any{}
	}
	if _, ok := run["executions"]; !ok {
		run["executions"] = len(completed)
	}
	if _, ok := run["total_steps"]; !ok {
		run["total_steps"] = len(completed) + len(skipped)
	}
	if _, ok := run["variables"]; !ok || run["variables"] == nil {
		run["variables"] = map[string]any{}
	}
	if _, ok := run["completed_steps"]; !ok || run["completed_steps"] == nil {
		run["completed_steps"] = []any{}
	}
	return run, nil
}

// Versions returns the registered migration edges as "from->to" strings
func (m *Migrator) Versions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for edge := range m.migrations {
		out = append(out, fmt.Sprintf("%d->%d", edge.from, edge.to))
	}
	sort.Strings(out)
	return out
}
