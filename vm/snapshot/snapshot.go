// Package snapshot encodes runtime diagnostics as canonical CBOR so two
// snapshots of the same state are byte-identical.
package snapshot

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/chazu/lazyrt/vm"
	"github.com/fxamacker/cbor/v2"
)

// Version is the snapshot format version written by this package.
const Version = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is the serialized form of vm.Diagnostics.
type Snapshot struct {
	Version    int      `cbor:"1,keyasint"`
	RuntimeID  string   `cbor:"2,keyasint"`
	Taken      int64    `cbor:"3,keyasint"` // unix nanoseconds
	Threads    []Thread `cbor:"4,keyasint,omitempty"`
	Ready      int      `cbor:"5,keyasint"`
	Blocked    int      `cbor:"6,keyasint"`
	Delayed    int      `cbor:"7,keyasint"`
	Heap       Heap     `cbor:"8,keyasint"`
	GC         GC       `cbor:"9,keyasint"`
	Finalizers int      `cbor:"10,keyasint"`
	CAFs       int      `cbor:"11,keyasint"`
}

// Thread is one thread's entry.
type Thread struct {
	ID         uint64 `cbor:"1,keyasint"`
	Label      string `cbor:"2,keyasint,omitempty"`
	Status     string `cbor:"3,keyasint"`
	Mask       string `cbor:"4,keyasint"`
	BlockedOn  string `cbor:"5,keyasint,omitempty"`
	StackDepth int    `cbor:"6,keyasint"`
	Pending    int    `cbor:"7,keyasint,omitempty"`
	Error      string `cbor:"8,keyasint,omitempty"`
}

// Heap summarizes the object arena.
type Heap struct {
	Live      int         `cbor:"1,keyasint"`
	Slots     int         `cbor:"2,keyasint"`
	Allocated uint64      `cbor:"3,keyasint"`
	Kinds     []KindCount `cbor:"4,keyasint,omitempty"`
}

// KindCount is the number of live objects of one kind.
type KindCount struct {
	Kind  string `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

// GC summarizes the collector.
type GC struct {
	Cycles       uint64 `cbor:"1,keyasint"`
	Last         int64  `cbor:"2,keyasint,omitempty"`
	Duration     int64  `cbor:"3,keyasint"` // nanoseconds, last cycle
	Marked       int    `cbor:"4,keyasint"`
	Swept        int    `cbor:"5,keyasint"`
	WeaksCleared int    `cbor:"6,keyasint"`
	Finalizers   int    `cbor:"7,keyasint"`
	CAFsReset    int    `cbor:"8,keyasint"`
	Deadlocked   int    `cbor:"9,keyasint"`
}

// FromDiagnostics converts a diagnostics summary. Kinds are sorted by
// name.
func FromDiagnostics(d vm.Diagnostics) *Snapshot {
	s := &Snapshot{
		Version:   Version,
		RuntimeID: d.RuntimeID,
		Taken:     d.Taken.UnixNano(),
		Ready:     d.Ready,
		Blocked:   d.Blocked,
		Delayed:   d.Delayed,
		Heap: Heap{
			Live:      d.HeapLive,
			Slots:     d.HeapSlots,
			Allocated: d.Allocated,
		},
		GC: GC{
			Cycles:       d.GCCycles,
			Duration:     int64(d.LastStats.Duration),
			Marked:       d.LastStats.Marked,
			Swept:        d.LastStats.Swept,
			WeaksCleared: d.LastStats.WeaksCleared,
			Finalizers:   d.LastStats.Finalizers,
			CAFsReset:    d.LastStats.CAFsReset,
			Deadlocked:   d.LastStats.Deadlocked,
		},
		Finalizers: d.Finalizers,
		CAFs:       d.CAFs,
	}
	if d.GCCycles > 0 {
		s.GC.Last = d.LastGC.UnixNano()
	}
	for _, t := range d.Threads {
		s.Threads = append(s.Threads, Thread(t))
	}
	for kind, n := range d.Kinds {
		s.Heap.Kinds = append(s.Heap.Kinds, KindCount{Kind: kind, Count: n})
	}
	sort.Slice(s.Heap.Kinds, func(i, j int) bool {
		return s.Heap.Kinds[i].Kind < s.Heap.Kinds[j].Kind
	})
	return s
}

// TakenAt returns when the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time {
	return time.Unix(0, s.Taken).UTC()
}

// Marshal serializes a snapshot to CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("snapshot: unsupported version %d", s.Version)
	}
	return &s, nil
}

// Capture takes a snapshot of rt and encodes it.
func Capture(rt *vm.Runtime) ([]byte, error) {
	return Marshal(FromDiagnostics(rt.Diagnostics()))
}

// WriteFile captures rt into path.
func WriteFile(path string, rt *vm.Runtime) error {
	data, err := Capture(rt)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes the snapshot stored at path.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return Unmarshal(data)
}
