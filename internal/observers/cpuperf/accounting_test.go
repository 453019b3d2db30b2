package cpuperf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/taskperf/pkg/wire"
)

func measurement(pid uint32, ts, cycles, instructions, llc, dt uint64) *wire.Measurement {
	return &wire.Measurement{
		Timestamp:         ts,
		PID:               pid,
		CyclesDelta:       cycles,
		InstructionsDelta: instructions,
		LLCMissesDelta:    llc,
		TimeDeltaNS:       dt,
	}
}

func TestTableObserveThenMeasure(t *testing.T) {
	table := NewTable()

	table.Observe(1234, "worker-01", 1000)
	wrapped := table.Apply(measurement(1234, 1500, 500000, 900000, 12, 250000))
	assert.False(t, wrapped)

	acct, ok := table.Lookup(1234)
	require.True(t, ok)
	assert.Equal(t, "worker-01", acct.Command)
	assert.True(t, acct.Observed)
	assert.Equal(t, uint64(1000), acct.FirstSeenNS)
	assert.Equal(t, uint64(1500), acct.LastSeenNS)
	assert.Equal(t, uint64(500000), acct.Cycles)
	assert.Equal(t, uint64(1), acct.Samples)
}

func TestTableMeasurementBeforeObserved(t *testing.T) {
	table := NewTable()

	// Cross-CPU delivery means the measurement can land first. The
	// entry is created anonymously and named once observed arrives.
	table.Apply(measurement(55, 100, 10, 20, 1, 5))

	acct, ok := table.Lookup(55)
	require.True(t, ok)
	assert.False(t, acct.Observed)
	assert.Empty(t, acct.Command)

	table.Observe(55, "late-name", 200)
	acct, _ = table.Lookup(55)
	assert.True(t, acct.Observed)
	assert.Equal(t, "late-name", acct.Command)
	assert.Equal(t, uint64(10), acct.Cycles)
}

func TestTableCumulativeTotalsNonDecreasing(t *testing.T) {
	table := NewTable()

	var prevCycles uint64
	for i := uint64(1); i <= 50; i++ {
		table.Apply(measurement(7, i*100, i*10, i*20, i, i*1000))

		acct, ok := table.Lookup(7)
		require.True(t, ok)
		assert.GreaterOrEqual(t, acct.Cycles, prevCycles)
		prevCycles = acct.Cycles
	}

	acct, _ := table.Lookup(7)
	assert.Equal(t, uint64(50), acct.Samples)
	assert.Equal(t, uint64(0), acct.InvalidSamples)
}

func TestTableWraparoundClampsToZero(t *testing.T) {
	table := NewTable()

	table.Apply(measurement(9, 100, 1000, 1000, 10, 10))

	// A negative delta stored unsigned shows up with the sign bit set.
	wrapped := table.Apply(measurement(9, 200, ^uint64(0), 500, 5, 5))
	assert.True(t, wrapped)

	acct, ok := table.Lookup(9)
	require.True(t, ok)
	// The wrapped cycles delta contributes nothing; the sane fields
	// still accumulate.
	assert.Equal(t, uint64(1000), acct.Cycles)
	assert.Equal(t, uint64(1500), acct.Instructions)
	assert.Equal(t, uint64(1), acct.InvalidSamples)
	assert.Equal(t, uint64(2), acct.Samples)
}

func TestTableTerminateClosesLifetime(t *testing.T) {
	table := NewTable()

	table.Observe(42, "short-lived", 1000)
	table.Apply(measurement(42, 1500, 100, 200, 3, 50))

	final, ok := table.Terminate(42, 5000)
	require.True(t, ok)
	assert.Equal(t, "short-lived", final.Command)
	assert.Equal(t, uint64(100), final.Cycles)
	assert.Equal(t, uint64(5000), final.LastSeenNS)

	_, ok = table.Lookup(42)
	assert.False(t, ok)

	// Terminating an unknown pid is not an error, just unknown.
	_, ok = table.Terminate(42, 6000)
	assert.False(t, ok)
}

func TestTablePidReuseStartsFreshLifetime(t *testing.T) {
	table := NewTable()

	table.Observe(100, "first-life", 1000)
	table.Apply(measurement(100, 1100, 999, 999, 9, 9))
	_, ok := table.Terminate(100, 2000)
	require.True(t, ok)

	// Same pid value, recycled by the process table: a distinct task.
	table.Observe(100, "second-life", 3000)
	acct, ok := table.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, "second-life", acct.Command)
	assert.Equal(t, uint64(0), acct.Cycles)
	assert.Equal(t, uint64(3000), acct.FirstSeenNS)

	created, terminated, _ := table.Lifetimes()
	assert.Equal(t, uint64(2), created)
	assert.Equal(t, uint64(1), terminated)
}

func TestTableCleanupReapsIdleEntries(t *testing.T) {
	table := NewTable()

	table.Observe(1, "idle", 100)
	table.Observe(2, "busy", 100)

	// Backdate pid 1 to look idle.
	table.mu.Lock()
	table.tasks[1].lastTouched = time.Now().Add(-time.Hour)
	table.mu.Unlock()

	removed := table.Cleanup(time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, table.Len())

	_, ok := table.Lookup(2)
	assert.True(t, ok)
}

func TestTableSnapshot(t *testing.T) {
	table := NewTable()
	table.Observe(1, "a", 10)
	table.Observe(2, "b", 20)

	snap := table.Snapshot()
	assert.Len(t, snap, 2)

	// Snapshot is a copy, mutating it does not touch the table.
	snap[0].Cycles = 12345
	for _, acct := range table.Snapshot() {
		assert.Zero(t, acct.Cycles)
	}
}
