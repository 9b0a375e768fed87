package breaker

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllow_ClosedByDefault(t *testing.T) {
	m := NewManager(DefaultConfig(), discardLogger())
	assert.True(t, m.Allow("svc"))
}

// P5: while open, no protected call to A is admitted.
func TestRecordFailure_OpensAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	m := NewManager(cfg, discardLogger())

	for i := 0; i < 3; i++ {
		require.True(t, m.Allow("svc"))
		m.RecordFailure("svc", time.Millisecond, errors.New("boom"))
	}

	assert.False(t, m.Allow("svc"))
	assert.Equal(t, domain.BreakerOpen, m.Stats("svc").State)
}

func TestAllow_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	m := NewManager(cfg, discardLogger())

	m.Allow("svc")
	m.RecordFailure("svc", time.Millisecond, errors.New("boom"))
	assert.False(t, m.Allow("svc"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.Allow("svc"))
	assert.Equal(t, domain.BreakerHalfOpen, m.Stats("svc").State)

	// A second concurrent admission check is refused while the single
	// half-open probe is still in flight.
	assert.False(t, m.Allow("svc"))
}

func TestRecordSuccess_ClosesFromHalfOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	m := NewManager(cfg, discardLogger())

	m.Allow("svc")
	m.RecordFailure("svc", time.Millisecond, errors.New("boom"))
	time.Sleep(20 * time.Millisecond)
	require.True(t, m.Allow("svc"))

	m.RecordSuccess("svc", time.Millisecond)

	stats := m.Stats("svc")
	assert.Equal(t, domain.BreakerClosed, stats.State)
	assert.Equal(t, 0, stats.ConsecutiveFail)
}

func TestRecordFailure_HalfOpenProbeFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	m := NewManager(cfg, discardLogger())

	m.Allow("svc")
	m.RecordFailure("svc", time.Millisecond, errors.New("boom"))
	time.Sleep(20 * time.Millisecond)
	require.True(t, m.Allow("svc"))

	m.RecordFailure("svc", time.Millisecond, errors.New("still failing"))
	assert.Equal(t, domain.BreakerOpen, m.Stats("svc").State)
}

// P6: history stays bounded by MaxHistoryLen regardless of call volume.
func TestTrimHistory_BoundsCallHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistoryLen = 5
	cfg.FailureThreshold = 1_000_000
	m := NewManager(cfg, discardLogger())

	for i := 0; i < 50; i++ {
		m.RecordSuccess("svc", time.Millisecond)
	}

	assert.Len(t, m.Stats("svc").CallHistory, 5)
}

func TestForceCleanup_RemovesOldRecordsOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetentionPeriod = 50 * time.Millisecond
	cfg.FailureThreshold = 1_000_000
	m := NewManager(cfg, discardLogger())

	m.RecordSuccess("svc", time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	m.RecordSuccess("svc", time.Millisecond)

	removed := m.ForceCleanup()
	assert.Equal(t, 1, removed)
	assert.Len(t, m.Stats("svc").CallHistory, 1)
}

// P6: state_transitions stays bounded by MaxHistoryLen the same way
// call_history does, regardless of how many times the breaker flips.
func TestTrimTransitions_BoundsStateTransitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistoryLen = 3
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = time.Millisecond
	m := NewManager(cfg, discardLogger())

	for i := 0; i < 10; i++ {
		require.True(t, m.Allow("svc"))
		m.RecordFailure("svc", time.Millisecond, errors.New("boom"))
		time.Sleep(2 * time.Millisecond)
	}

	assert.LessOrEqual(t, len(m.Stats("svc").StateTransitions), 3)
}

func TestAllStats_ListsEveryTrackedAdapter(t *testing.T) {
	m := NewManager(DefaultConfig(), discardLogger())
	m.RecordSuccess("a", time.Millisecond)
	m.RecordSuccess("b", time.Millisecond)

	all := m.AllStats()
	names := map[string]bool{}
	for _, s := range all {
		names[s.AdapterName] = true
	}
	assert.True(t, names["a"])
	assert.True(t, names["b"])
}

func TestGetMemoryUsageSummary(t *testing.T) {
	m := NewManager(DefaultConfig(), discardLogger())
	m.RecordSuccess("a", time.Millisecond)
	m.RecordSuccess("a", time.Millisecond)

	summary := m.GetMemoryUsageSummary()
	assert.Equal(t, 1, summary.AdapterCount)
	assert.Equal(t, 2, summary.RecordsByAdapter["a"])
	assert.Equal(t, 2, summary.TotalCallRecords)
}
