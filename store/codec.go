package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// CurrentVersion is the state format version written by this package
const CurrentVersion = 3

// MinSnapshotSize is the smallest object that can hold a valid snapshot.
// Anything shorter is treated as a torn write.
const MinSnapshotSize = 16

const checksumPrefix = "sha256:"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// envelope wraps a run payload with integrity and bookkeeping fields. Status,
// workflow name, progress and completed count are derived copies kept so
// listings do not need to decode the whole run.
type envelope struct {
	Version        int             `json:"version"`
	Checksum       string          `json:"checksum"`
	SavedAt        time.Time       `json:"saved_at"`
	Sequence       int64           `json:"sequence"`
	RunID          string          `json:"run_id"`
	WorkflowName   string          `json:"workflow_name,omitempty"`
	Status         string          `json:"status,omitempty"`
	TriggerStep    string          `json:"trigger_step,omitempty"`
	Progress       float64         `json:"progress"`
	CompletedCount int             `json:"completed_count"`
	Run            json.RawMessage `json:"run"`
}

// canonicalJSON re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Numbers keep their original text.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Checksum returns the checksum of a run payload in its canonical form
func Checksum(run []byte) (string, error) {
	canonical, err := canonicalJSON(run)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return checksumPrefix + hex.EncodeToString(sum[:]), nil
}

func isCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// encodeEnvelope marshals env, computing the checksum over the canonical
// run payload.
func encodeEnvelope(env *envelope, compressed bool) ([]byte, error) {
	canonical, err := canonicalJSON(env.Run)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize run: %w", err)
	}
	sum := sha256.Sum256(canonical)
	env.Run = canonical
	env.Checksum = checksumPrefix + hex.EncodeToString(sum[:])
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	if compressed {
		return compress(data), nil
	}
	return data, nil
}

// decoded is the parsed but not yet validated form of a stored object
type decoded struct {
	header     envelope
	legacy     bool
	compressed bool
	run        json.RawMessage
}

// decodeObject parses raw object bytes. Unversioned documents are treated as
// a bare version 1 run payload without a checksum.
func decodeObject(location string, data []byte) (*decoded, error) {
	if len(data) < MinSnapshotSize {
		return nil, &CorruptionError{
			Location: location,
			Reason:   fmt.Sprintf("object too small (%d bytes)", len(data)),
		}
	}
	d := &decoded{}
	if isCompressed(data) {
		out, err := decompress(data)
		if err != nil {
			return nil, &CorruptionError{Location: location, Reason: "invalid compressed data", Err: err}
		}
		data = out
		d.compressed = true
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &CorruptionError{Location: location, Reason: "invalid JSON", Err: err}
	}
	if _, ok := top["version"]; !ok {
		d.legacy = true
		d.header.Version = 1
		d.run = data
		var ids struct {
			ID           string `json:"id"`
			WorkflowName string `json:"workflow_name"`
			Status       string `json:"status"`
		}
		_ = json.Unmarshal(data, &ids)
		d.header.RunID = ids.ID
		d.header.WorkflowName = ids.WorkflowName
		d.header.Status = ids.Status
		return d, nil
	}
	if err := json.Unmarshal(data, &d.header); err != nil {
		return nil, &CorruptionError{Location: location, Reason: "invalid envelope", Err: err}
	}
	if len(d.header.Run) == 0 {
		return nil, &CorruptionError{Location: location, Reason: "missing run payload"}
	}
	d.run = d.header.Run
	return d, nil
}

// verify checks the payload checksum. Legacy documents carry none.
func (d *decoded) verify(location string) error {
	if d.legacy {
		return nil
	}
	if d.header.Checksum == "" {
		return &CorruptionError{Location: location, Reason: "missing checksum"}
	}
	actual, err := Checksum(d.run)
	if err != nil {
		return &CorruptionError{Location: location, Reason: "invalid run payload", Err: err}
	}
	if actual != d.header.Checksum {
		return &CorruptionError{
			Location:         location,
			Reason:           "checksum mismatch",
			ExpectedChecksum: d.header.Checksum,
			ActualChecksum:   actual,
		}
	}
	return nil
}
