// Package stats implements the per-(I/O type, I/O op) byte counters used
// for tests and metrics. It sits outside the throttle's correctness path:
// every operation is a relaxed atomic and Record is never on the
// admission hot or slow path.
package stats

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/flowctl/throttlegate/internal/priority"
)

// Sink holds read and write byte counters for every IOType.
type Sink struct {
	readBytes  []atomic.Uint64
	writeBytes []atomic.Uint64
}

// NewSink allocates a Sink sized for the current set of IOTypes.
func NewSink() *Sink {
	return &Sink{
		readBytes:  make([]atomic.Uint64, priority.NumIOTypes()),
		writeBytes: make([]atomic.Uint64, priority.NumIOTypes()),
	}
}

// Record adds bytes to the counter for (t, op). Relaxed fetch-add.
func (s *Sink) Record(t priority.IOType, op priority.IOOp, bytes uint64) {
	s.counter(t, op).Add(bytes)
}

// Fetch returns the current counter value for (t, op). Relaxed load.
func (s *Sink) Fetch(t priority.IOType, op priority.IOOp) uint64 {
	return s.counter(t, op).Load()
}

// Reset zeroes every counter. Relaxed stores.
func (s *Sink) Reset() {
	for i := range s.readBytes {
		s.readBytes[i].Store(0)
		s.writeBytes[i].Store(0)
	}
}

// Snapshot is a point-in-time copy of every (type, op) counter, used by
// internal/persistence and internal/report so they never hold a
// reference into the live Sink.
type Snapshot struct {
	Type  priority.IOType
	Op    priority.IOOp
	Bytes uint64
}

// snapshotJSON is Snapshot's wire form: Type/Op round-trip as their
// string names rather than bare enum ints, so the admin API's /v1/stats
// response and a saved report stay readable without cross-referencing
// the priority package.
type snapshotJSON struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	Bytes uint64 `json:"bytes"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{Type: s.Type.String(), Op: s.Op.String(), Bytes: s.Bytes})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t, err := priority.ParseIOType(raw.Type)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	op, err := parseIOOp(raw.Op)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s.Type, s.Op, s.Bytes = t, op, raw.Bytes
	return nil
}

func parseIOOp(s string) (priority.IOOp, error) {
	switch s {
	case "read":
		return priority.Read, nil
	case "write":
		return priority.Write, nil
	default:
		return 0, fmt.Errorf("unknown io op %q", s)
	}
}

// FetchAll returns a Snapshot for every (type, op) pair, including zero
// counters, in IOType then IOOp enumeration order.
func (s *Sink) FetchAll() []Snapshot {
	out := make([]Snapshot, 0, priority.NumIOTypes()*priority.NumIOOps())
	for _, typ := range priority.AllIOTypes() {
		out = append(out, Snapshot{Type: typ, Op: priority.Read, Bytes: s.Fetch(typ, priority.Read)})
		out = append(out, Snapshot{Type: typ, Op: priority.Write, Bytes: s.Fetch(typ, priority.Write)})
	}
	return out
}

func (s *Sink) counter(t priority.IOType, op priority.IOOp) *atomic.Uint64 {
	idx := int(t)
	if op == priority.Read {
		return &s.readBytes[idx]
	}
	return &s.writeBytes[idx]
}
