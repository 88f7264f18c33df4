// Package store persists workflow run state durably.
//
// Each run owns a directory-like key space in a Backend:
//
//	<run-id>/latest.json                   most recent state, replaced atomically
//	<run-id>/metadata.json                 small sidecar describing latest.json
//	<run-id>/history/<sequence>-<step>.json  append-only checkpoints
//
// Every stored object is an envelope carrying the format version, a checksum
// of the canonical run payload, the save time, a per-run sequence number and
// derived progress fields. Objects may be zstd compressed; compression is
// detected on load from the magic bytes.
//
// Loading verifies the checksum, migrates older format versions and, when the
// latest state is unusable, falls back to the newest valid history checkpoint.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// Defaults for the staleness guard
const (
	DefaultMinAge           = 2 * time.Second
	DefaultStaleAttempts    = 3
	DefaultStaleBackoff     = 500 * time.Millisecond
	defaultMetadataCacheTTL = 10 * time.Minute
)

// Object kinds reported in Metadata
const (
	KindLatest     = "latest"
	KindCheckpoint = "checkpoint"
)

var errTooFresh = errors.New("object modified too recently")

// Metadata describes one stored state object without its run payload
type Metadata struct {
	RunID          string       `json:"run_id"`
	WorkflowName   string       `json:"workflow_name,omitempty"`
	Status         state.Status `json:"status,omitempty"`
	Kind           string       `json:"kind"`
	Location       string       `json:"location"`
	Version        int          `json:"version"`
	Checksum       string       `json:"checksum,omitempty"`
	SavedAt        time.Time    `json:"saved_at"`
	Sequence       int64        `json:"sequence"`
	TriggerStep    string       `json:"trigger_step,omitempty"`
	Progress       float64      `json:"progress"`
	CompletedCount int          `json:"completed_count"`
	Size           int64        `json:"size"`
	Compressed     bool         `json:"compressed,omitempty"`
	FallbackFrom   string       `json:"fallback_from,omitempty"`
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCompression enables zstd compression of written objects
func WithCompression(enabled bool) Option {
	return func(s *Store) { s.compress = enabled }
}

// WithHistory controls whether Commit appends history checkpoints
func WithHistory(enabled bool) Option {
	return func(s *Store) { s.history = enabled }
}

// WithFallback controls whether Load falls back to history checkpoints when
// the latest state is corrupted or cannot be migrated
func WithFallback(enabled bool) Option {
	return func(s *Store) { s.fallback = enabled }
}

// WithMinAge sets how old an object must be before it is considered settled.
// Zero disables the staleness guard.
func WithMinAge(d time.Duration) Option {
	return func(s *Store) { s.minAge = d }
}

// WithStaleRetry sets the number of read attempts made while an object is
// younger than the minimum age, and the initial wait between them
func WithStaleRetry(attempts int, initial time.Duration) Option {
	return func(s *Store) {
		s.staleAttempts = attempts
		s.staleBackoff = initial
	}
}

// WithMigrator replaces the default format migrator
func WithMigrator(m *Migrator) Option {
	return func(s *Store) { s.migrator = m }
}

// WithClock overrides the clock used for save times and staleness checks
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the durable state store. It is safe for concurrent use. Each run
// is expected to have a single writer.
type Store struct {
	backend       Backend
	migrator      *Migrator
	logger        *slog.Logger
	compress      bool
	history       bool
	fallback      bool
	minAge        time.Duration
	staleAttempts int
	staleBackoff  time.Duration
	now           func() time.Time
	metaCache     *cache.Cache

	seqMu     sync.Mutex
	sequences map[string]int64
}

// New returns a Store writing to backend
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		migrator:      DefaultMigrator(),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		history:       true,
		fallback:      true,
		minAge:        DefaultMinAge,
		staleAttempts: DefaultStaleAttempts,
		staleBackoff:  DefaultStaleBackoff,
		now:           time.Now,
		metaCache:     cache.New(defaultMetadataCacheTTL, 2*defaultMetadataCacheTTL),
		sequences:     map[string]int64{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.staleAttempts < 1 {
		s.staleAttempts = 1
	}
	return s
}

// Backend returns the underlying backend
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func latestKey(runID string) string   { return runID + "/latest.json" }
func metadataKey(runID string) string { return runID + "/metadata.json" }
func historyPrefix(runID string) string {
	return runID + "/history/"
}

var unsafeStepChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func checkpointKey(runID string, seq int64, stepID string) string {
	name := unsafeStepChars.ReplaceAllString(stepID, "_")
	if name == "" {
		name = "run"
	}
	return fmt.Sprintf("%s%012d-%s.json", historyPrefix(runID), seq, name)
}

// parseCheckpointKey extracts the sequence from a history key
func parseCheckpointKey(key string) (int64, bool) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return 0, false
	}
	name := key[idx+1:]
	dash := strings.Index(name, "-")
	if dash <= 0 || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func validRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid run id %q", id)
	}
	return nil
}

// Save atomically replaces the latest state of the run and updates its
// metadata sidecar
func (s *Store) Save(ctx context.Context, snap *state.Snapshot) (*Metadata, error) {
	return s.commit(ctx, snap, "", false)
}

// Commit saves the latest state and, when history is enabled, appends a
// checkpoint tagged with the step that triggered it
func (s *Store) Commit(ctx context.Context, snap *state.Snapshot, stepID string) (*Metadata, error) {
	return s.commit(ctx, snap, stepID, s.history)
}

// SaveCheckpoint appends a history checkpoint without touching the latest state
func (s *Store) SaveCheckpoint(ctx context.Context, snap *state.Snapshot, stepID string) (*Metadata, error) {
	if err := validRunID(snap.ID); err != nil {
		return nil, err
	}
	seq, err := s.nextSequence(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	return s.writeCheckpoint(ctx, snap, stepID, seq)
}

func (s *Store) commit(ctx context.Context, snap *state.Snapshot, stepID string, withHistory bool) (*Metadata, error) {
	if err := validRunID(snap.ID); err != nil {
		return nil, err
	}
	seq, err := s.nextSequence(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	if withHistory {
		if _, err := s.writeCheckpoint(ctx, snap, stepID, seq); err != nil {
			return nil, err
		}
	}

	key := latestKey(snap.ID)
	data, meta, err := s.encode(snap, key, KindLatest, stepID, seq)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to save state for run %q: %w", snap.ID, err)
	}
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := s.backend.Put(ctx, metadataKey(snap.ID), sidecar); err != nil {
		return nil, fmt.Errorf("failed to save metadata for run %q: %w", snap.ID, err)
	}
	s.logger.Debug("saved run state",
		"run_id", snap.ID,
		"sequence", seq,
		"trigger_step", stepID,
		"size", meta.Size)
	return meta, nil
}

func (s *Store) writeCheckpoint(ctx context.Context, snap *state.Snapshot, stepID string, seq int64) (*Metadata, error) {
	for {
		key := checkpointKey(snap.ID, seq, stepID)
		data, meta, err := s.encode(snap, key, KindCheckpoint, stepID, seq)
		if err != nil {
			return nil, err
		}
		err = s.backend.Create(ctx, key, data)
		if err == nil {
			return meta, nil
		}
		if !errors.Is(err, ErrObjectExists) {
			return nil, fmt.Errorf("failed to write checkpoint for run %q: %w", snap.ID, err)
		}
		// Another writer used this sequence; history is never overwritten
		if seq, err = s.nextSequence(ctx, snap.ID); err != nil {
			return nil, err
		}
	}
}

func (s *Store) encode(snap *state.Snapshot, key, kind, stepID string, seq int64) ([]byte, *Metadata, error) {
	run, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal run %q: %w", snap.ID, err)
	}
	env := &envelope{
		Version:        CurrentVersion,
		SavedAt:        s.now().UTC(),
		Sequence:       seq,
		RunID:          snap.ID,
		WorkflowName:   snap.WorkflowName,
		Status:         string(snap.Status),
		TriggerStep:    stepID,
		Progress:       snap.Progress(),
		CompletedCount: snap.CompletedCount(),
		Run:            run,
	}
	data, err := encodeEnvelope(env, s.compress)
	if err != nil {
		return nil, nil, err
	}
	meta := metadataFromHeader(env, key, kind)
	meta.Size = int64(len(data))
	meta.Compressed = s.compress
	return data, meta, nil
}

func metadataFromHeader(env *envelope, key, kind string) *Metadata {
	return &Metadata{
		RunID:          env.RunID,
		WorkflowName:   env.WorkflowName,
		Status:         state.Status(env.Status),
		Kind:           kind,
		Location:       key,
		Version:        env.Version,
		Checksum:       env.Checksum,
		SavedAt:        env.SavedAt,
		Sequence:       env.Sequence,
		TriggerStep:    env.TriggerStep,
		Progress:       env.Progress,
		CompletedCount: env.CompletedCount,
	}
}

// nextSequence returns the next sequence number for a run, recovering the
// last used value from storage the first time a run is seen
func (s *Store) nextSequence(ctx context.Context, runID string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	last, ok := s.sequences[runID]
	if !ok {
		var err error
		if last, err = s.lastSequence(ctx, runID); err != nil {
			return 0, err
		}
	}
	last++
	s.sequences[runID] = last
	return last, nil
}

func (s *Store) lastSequence(ctx context.Context, runID string) (int64, error) {
	var last int64
	if data, _, err := s.backend.Get(ctx, metadataKey(runID)); err == nil {
		var meta Metadata
		if json.Unmarshal(data, &meta) == nil {
			last = meta.Sequence
		}
	} else if !errors.Is(err, ErrObjectNotExist) {
		return 0, fmt.Errorf("failed to read metadata for run %q: %w", runID, err)
	}
	infos, err := s.backend.List(ctx, historyPrefix(runID))
	if err != nil {
		return 0, err
	}
	for _, info := range infos {
		if seq, ok := parseCheckpointKey(info.Key); ok && seq > last {
			last = seq
		}
	}
	return last, nil
}

// LoadOption configures a Load call
type LoadOption func(*loadOptions)

type loadOptions struct {
	validate bool
}

// WithoutValidation skips the size, checksum and invariant checks
func WithoutValidation() LoadOption {
	return func(o *loadOptions) { o.validate = false }
}

// Load reads run state. ref is either a run ID, which loads the latest state,
// or a location as reported in Metadata.
//
// Older format versions are migrated in memory; the stored object is left
// untouched. If the latest state is corrupted or cannot be migrated, the
// newest valid history checkpoint is returned instead and the returned
// metadata records where the fallback came from.
func (s *Store) Load(ctx context.Context, ref string, opts ...LoadOption) (*state.Snapshot, *Metadata, error) {
	o := loadOptions{validate: true}
	for _, opt := range opts {
		opt(&o)
	}

	key := ref
	runID := ""
	if !strings.Contains(ref, "/") {
		if err := validRunID(ref); err != nil {
			return nil, nil, err
		}
		runID = ref
		key = latestKey(ref)
	}

	snap, meta, err := s.loadKey(ctx, key, KindLatest, o.validate)
	if err == nil {
		return snap, meta, nil
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		nf.RunID = runID
	}
	if runID == "" || !s.fallback {
		return nil, nil, err
	}
	if !errors.Is(err, ErrStateCorrupted) && !errors.Is(err, ErrMigration) {
		return nil, nil, err
	}

	s.logger.Warn("latest state unusable, trying history checkpoints",
		"run_id", runID,
		"error", err)
	checkpoints, listErr := s.backend.List(ctx, historyPrefix(runID))
	if listErr != nil {
		return nil, nil, err
	}
	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp := checkpoints[i].Key
		if _, ok := parseCheckpointKey(cp); !ok {
			continue
		}
		snap, meta, cpErr := s.loadKey(ctx, cp, KindCheckpoint, o.validate)
		if cpErr != nil {
			s.logger.Warn("skipping unusable checkpoint", "location", cp, "error", cpErr)
			continue
		}
		meta.FallbackFrom = key
		s.logger.Warn("recovered run state from checkpoint",
			"run_id", runID,
			"location", cp,
			"sequence", meta.Sequence)
		return snap, meta, nil
	}
	return nil, nil, err
}

func (s *Store) loadKey(ctx context.Context, key, kind string, validate bool) (*state.Snapshot, *Metadata, error) {
	data, info, err := s.read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotExist) {
			return nil, nil, &NotFoundError{Location: key}
		}
		return nil, nil, err
	}
	d, err := decodeObject(key, data)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.materialize(key, d, validate)
	if err != nil {
		return nil, nil, err
	}
	if strings.HasPrefix(key, historyPrefix(snap.ID)) {
		kind = KindCheckpoint
	}
	meta := metadataFromHeader(&d.header, key, kind)
	meta.RunID = snap.ID
	meta.WorkflowName = snap.WorkflowName
	meta.Status = snap.Status
	meta.Progress = snap.Progress()
	meta.CompletedCount = snap.CompletedCount()
	meta.Size = info.Size
	meta.Compressed = d.compressed
	return snap, meta, nil
}

func (s *Store) materialize(key string, d *decoded, validate bool) (*state.Snapshot, error) {
	if validate {
		if err := d.verify(key); err != nil {
			return nil, err
		}
	}
	current := s.migrator.Current()
	version := d.header.Version
	if version > current {
		return nil, &MigrationError{
			Location: key,
			From:     version,
			To:       current,
			Err:      fmt.Errorf("version %d is newer than supported", version),
		}
	}

	raw := []byte(d.run)
	if version < current {
		// Numbers stay json.Number so migrations do not change their form
		var run map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&run); err != nil {
			return nil, &CorruptionError{Location: key, Reason: "invalid run payload", Err: err}
		}
		migrated, err := s.migrator.Migrate(run, version)
		if err != nil {
			var me *MigrationError
			if errors.As(err, &me) {
				me.Location = key
			}
			return nil, err
		}
		if raw, err = json.Marshal(migrated); err != nil {
			return nil, &MigrationError{Location: key, From: version, To: current, Err: err}
		}
		s.logger.Info("migrated run state", "location", key, "from", version, "to", current)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		if version < current {
			return nil, &MigrationError{Location: key, From: version, To: current, Err: err}
		}
		return nil, &CorruptionError{Location: key, Reason: "invalid run payload", Err: err}
	}
	if validate {
		if err := snap.Validate(); err != nil {
			return nil, &CorruptionError{Location: key, Reason: "invalid run", Err: err}
		}
	}
	return &snap, nil
}

// read fetches an object, waiting while it is younger than the minimum age.
// Once the attempts are exhausted the last read is returned and validation
// decides whether it is usable.
func (s *Store) read(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if s.minAge <= 0 {
		return s.backend.Get(ctx, key)
	}
	var (
		data []byte
		info ObjectInfo
	)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.staleBackoff
	eb.MaxInterval = s.minAge
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.staleAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		d, i, err := s.backend.Get(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		data, info = d, i
		if age := s.now().Sub(i.ModTime); age < s.minAge {
			return errTooFresh
		}
		return nil
	}, b)
	if errors.Is(err, errTooFresh) {
		s.logger.Debug("reading state that is still settling",
			"location", key,
			"age", s.now().Sub(info.ModTime))
		return data, info, nil
	}
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return data, info, nil
}

// List returns metadata for the latest state of every run, newest first
func (s *Store) List(ctx context.Context) ([]*Metadata, error) {
	infos, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]ObjectInfo, len(infos))
	var runs []string
	for _, info := range infos {
		byKey[info.Key] = info
		if runID, ok := strings.CutSuffix(info.Key, "/latest.json"); ok && !strings.Contains(runID, "/") {
			runs = append(runs, runID)
		}
	}

	var result []*Metadata
	for _, runID := range runs {
		var meta *Metadata
		if sidecar, ok := byKey[metadataKey(runID)]; ok {
			meta, err = s.cachedMetadata(ctx, sidecar, s.readSidecar)
			if err != nil {
				s.logger.Debug("ignoring unreadable metadata sidecar", "run_id", runID, "error", err)
			}
		}
		if meta == nil {
			meta, err = s.cachedMetadata(ctx, byKey[latestKey(runID)], s.readHeader)
			if err != nil {
				s.logger.Warn("skipping unreadable run state", "run_id", runID, "error", err)
				continue
			}
		}
		result = append(result, meta)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].SavedAt.After(result[j].SavedAt)
	})
	return result, nil
}

// ListCheckpoints returns the history checkpoints of a run, oldest first.
// Unreadable checkpoints are reported with only their location and sequence.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]*Metadata, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	infos, err := s.backend.List(ctx, historyPrefix(runID))
	if err != nil {
		return nil, err
	}
	var result []*Metadata
	for _, info := range infos {
		seq, ok := parseCheckpointKey(info.Key)
		if !ok {
			continue
		}
		meta, err := s.cachedMetadata(ctx, info, s.readHeader)
		if err != nil {
			meta = &Metadata{RunID: runID, Kind: KindCheckpoint, Location: info.Key, Sequence: seq, Size: info.Size}
		}
		result = append(result, meta)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// Delete removes all stored state for a run
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, runID+"/"); err != nil {
		return err
	}
	s.seqMu.Lock()
	delete(s.sequences, runID)
	s.seqMu.Unlock()
	for key := range s.metaCache.Items() {
		if strings.HasPrefix(key, runID+"/") {
			s.metaCache.Delete(key)
		}
	}
	return nil
}

type cachedMeta struct {
	modTime time.Time
	size    int64
	meta    *Metadata
}

type metadataReader func(ctx context.Context, key string) (*Metadata, error)

// cachedMetadata returns metadata for an object, reusing the cached value
// while the object's size and modification time are unchanged
func (s *Store) cachedMetadata(ctx context.Context, info ObjectInfo, read metadataReader) (*Metadata, error) {
	if v, ok := s.metaCache.Get(info.Key); ok {
		entry := v.(cachedMeta)
		if entry.modTime.Equal(info.ModTime) && entry.size == info.Size {
			m := *entry.meta
			return &m, nil
		}
	}
	meta, err := read(ctx, info.Key)
	if err != nil {
		return nil, err
	}
	s.metaCache.SetDefault(info.Key, cachedMeta{modTime: info.ModTime, size: info.Size, meta: meta})
	m := *meta
	return &m, nil
}

func (s *Store) readSidecar(ctx context.Context, key string) (*Metadata, error) {
	data, _, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.RunID == "" {
		return nil, fmt.Errorf("metadata at %s has no run id", key)
	}
	return &meta, nil
}

func (s *Store) readHeader(ctx context.Context, key string) (*Metadata, error) {
	data, info, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	d, err := decodeObject(key, data)
	if err != nil {
		return nil, err
	}
	kind := KindLatest
	if strings.Contains(key, "/history/") {
		kind = KindCheckpoint
	}
	meta := metadataFromHeader(&d.header, key, kind)
	meta.Size = info.Size
	meta.Compressed = d.compressed
	return meta, nil
}
