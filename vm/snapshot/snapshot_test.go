package snapshot

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/lazyrt/vm"
	"github.com/google/go-cmp/cmp"
)

func sampleDiagnostics() vm.Diagnostics {
	taken := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return vm.Diagnostics{
		RuntimeID: "7d1c7c1e-0000-4000-8000-000000000001",
		Taken:     taken,
		Threads: []vm.ThreadInfo{
			{ID: 1, Label: "main", Status: "blocked", Mask: "unmasked", BlockedOn: "mvar", StackDepth: 3},
			{ID: 2, Status: "running", Mask: "masked-interruptible", StackDepth: 1, Pending: 1},
		},
		Ready:     1,
		Blocked:   1,
		HeapLive:  12,
		HeapSlots: 16,
		Allocated: 40,
		Kinds:     map[string]int{"thread": 2, "mvar": 1, "closure": 9},
		GCCycles:  2,
		LastGC:    taken.Add(-time.Second),
		LastStats: vm.GCStats{Cycle: 2, Duration: time.Millisecond, Marked: 12, Swept: 28},
		CAFs:      1,
	}
}

func TestFromDiagnosticsSortsKinds(t *testing.T) {
	s := FromDiagnostics(sampleDiagnostics())
	want := []KindCount{{"closure", 9}, {"mvar", 1}, {"thread", 2}}
	if diff := cmp.Diff(want, s.Heap.Kinds); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if s.GC.Swept != 28 || s.GC.Duration != int64(time.Millisecond) {
		t.Errorf("gc = %+v", s.GC)
	}
	if len(s.Threads) != 2 || s.Threads[0].BlockedOn != "mvar" {
		t.Errorf("threads = %+v", s.Threads)
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	a, err := Marshal(FromDiagnostics(sampleDiagnostics()))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(FromDiagnostics(sampleDiagnostics()))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("encoding the same diagnostics twice produced different bytes")
	}

	got, err := Unmarshal(a)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(FromDiagnostics(sampleDiagnostics()), got); diff != "" {
		t.Errorf("decoded snapshot mismatch (-want +got):\n%s", diff)
	}
	if !got.TakenAt().Equal(sampleDiagnostics().Taken) {
		t.Errorf("TakenAt = %v", got.TakenAt())
	}
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	data, err := Marshal(&Snapshot{Version: Version + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); err == nil {
		t.Error("expected an error for an unknown version")
	}
	if _, err := Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Error("expected an error for garbage input")
	}
}

func TestCaptureRuntime(t *testing.T) {
	rt := vm.New(vm.Options{})
	rt.ForkLabeled("sleeper", rt.Action("sleep", func(e *vm.Exec, env []vm.Value) vm.Signal {
		return e.Delay(time.Hour)
	}))
	for rt.Tick() {
	}

	path := filepath.Join(t.TempDir(), "rt.snap")
	if err := WriteFile(path, rt); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if s.RuntimeID != rt.ID().String() {
		t.Errorf("runtime id = %q, want %q", s.RuntimeID, rt.ID())
	}
	if len(s.Threads) != 1 || s.Threads[0].Label != "sleeper" || s.Threads[0].BlockedOn != "delay" {
		t.Errorf("threads = %+v", s.Threads)
	}
	if s.Delayed != 1 {
		t.Errorf("delayed = %d, want 1", s.Delayed)
	}
}
