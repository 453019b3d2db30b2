package cpuperf

import (
	"sync"
	"time"

	"github.com/yairfalse/taskperf/pkg/wire"
)

// TaskAccount accumulates one task lifetime's counters. An account is
// created on the first record for a pid, whichever variant arrives
// first; the probe gives no cross-CPU ordering guarantee, so a
// measurement may legitimately precede the task-observed record.
type TaskAccount struct {
	PID     uint32
	Command string

	FirstSeenNS uint64 // probe timestamp of the first record
	LastSeenNS  uint64 // probe timestamp of the latest record

	// Cumulative totals, summed from deltas. Monotonically
	// non-decreasing over a lifetime: wrapped deltas are clamped to
	// zero, never subtracted.
	Cycles       uint64
	Instructions uint64
	LLCMisses    uint64
	TimeNS       uint64

	Samples        uint64
	InvalidSamples uint64
	Observed       bool // a task-observed record named this task

	lastTouched time.Time
}

// Table is the per-pid accounting arena. Entries are created explicitly
// on first sighting and removed on termination or by Cleanup; it never
// grows without bound behind a lost task-terminated record.
type Table struct {
	mu    sync.RWMutex
	tasks map[uint32]*TaskAccount

	created    uint64
	terminated uint64
	reaped     uint64
}

// NewTable creates an empty accounting table.
func NewTable() *Table {
	return &Table{tasks: make(map[uint32]*TaskAccount)}
}

// clampDelta treats a delta with the sign bit set as counter
// wraparound: the value is clamped to zero and flagged, a data-quality
// condition rather than an error.
func clampDelta(v uint64) (uint64, bool) {
	if v >= 1<<63 {
		return 0, true
	}
	return v, false
}

func (t *Table) getOrCreate(pid uint32, ts uint64) *TaskAccount {
	acct, ok := t.tasks[pid]
	if !ok {
		acct = &TaskAccount{PID: pid, FirstSeenNS: ts}
		t.tasks[pid] = acct
		t.created++
	}
	if ts > acct.LastSeenNS {
		acct.LastSeenNS = ts
	}
	acct.lastTouched = time.Now()
	return acct
}

// Observe records a task-observed event. A pid reappearing after
// termination starts a fresh lifetime with fresh totals.
func (t *Table) Observe(pid uint32, command string, ts uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acct := t.getOrCreate(pid, ts)
	acct.Command = command
	acct.Observed = true
}

// Apply folds one measurement into the pid's account, creating it if
// this is the first sighting. Returns true when any delta wrapped.
func (t *Table) Apply(m *wire.Measurement) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	acct := t.getOrCreate(m.PID, m.Timestamp)

	cycles, w1 := clampDelta(m.CyclesDelta)
	instructions, w2 := clampDelta(m.InstructionsDelta)
	llcMisses, w3 := clampDelta(m.LLCMissesDelta)
	timeNS, w4 := clampDelta(m.TimeDeltaNS)
	wrapped := w1 || w2 || w3 || w4

	acct.Cycles += cycles
	acct.Instructions += instructions
	acct.LLCMisses += llcMisses
	acct.TimeNS += timeNS
	acct.Samples++
	if wrapped {
		acct.InvalidSamples++
	}

	return wrapped
}

// Terminate closes the pid's lifetime and removes the entry, returning
// the final totals. The second return is false when the pid was never
// seen (its earlier records were lost or it was reaped already).
func (t *Table) Terminate(pid uint32, ts uint64) (TaskAccount, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, ok := t.tasks[pid]
	if !ok {
		return TaskAccount{}, false
	}
	if ts > acct.LastSeenNS {
		acct.LastSeenNS = ts
	}
	delete(t.tasks, pid)
	t.terminated++
	return *acct, true
}

// Cleanup removes entries idle longer than maxAge and returns how many
// were removed. This is the guard against lost termination records.
func (t *Table) Cleanup(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for pid, acct := range t.tasks {
		if now.Sub(acct.lastTouched) > maxAge {
			delete(t.tasks, pid)
			removed++
		}
	}
	t.reaped += uint64(removed)
	return removed
}

// Snapshot returns a copy of every live account.
func (t *Table) Snapshot() []TaskAccount {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TaskAccount, 0, len(t.tasks))
	for _, acct := range t.tasks {
		out = append(out, *acct)
	}
	return out
}

// Lookup returns a copy of one pid's account.
func (t *Table) Lookup(pid uint32) (TaskAccount, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	acct, ok := t.tasks[pid]
	if !ok {
		return TaskAccount{}, false
	}
	return *acct, true
}

// Len returns the number of live accounts.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

// Lifetimes reports created/terminated/reaped totals since start.
func (t *Table) Lifetimes() (created, terminated, reaped uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.created, t.terminated, t.reaped
}
