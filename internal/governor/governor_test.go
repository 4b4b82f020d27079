package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pimux/muxd/internal/metrics"
)

func TestCanExecute_AllowsUnderLimit(t *testing.T) {
	g := New(Config{WindowLimit: 3, Window: time.Minute})
	for i := 0; i < 3; i++ {
		_, err := g.CanExecute("s1")
		require.NoError(t, err)
	}
}

func TestCanExecute_RejectsOverLimit(t *testing.T) {
	g := New(Config{WindowLimit: 2, Window: time.Minute})
	_, err := g.CanExecute("s1")
	require.NoError(t, err)
	_, err = g.CanExecute("s1")
	require.NoError(t, err)

	_, err = g.CanExecute("s1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestCanExecute_ScopesAreIndependent(t *testing.T) {
	g := New(Config{WindowLimit: 1, Window: time.Minute})
	_, err := g.CanExecute("s1")
	require.NoError(t, err)

	_, err = g.CanExecute("s2")
	assert.NoError(t, err)
}

func TestRollback_RefundsExactStamp(t *testing.T) {
	g := New(Config{WindowLimit: 2, Window: time.Minute})

	t1, err := g.CanExecute("s1")
	require.NoError(t, err)
	_, err = g.CanExecute("s1")
	require.NoError(t, err)

	// window is full; rollback the first ticket specifically
	g.Rollback(t1)

	_, err = g.CanExecute("s1")
	assert.NoError(t, err, "rollback of the exact stamp should free one slot")
}

func TestSweepWindows_PrunesExpiredStamps(t *testing.T) {
	g := New(Config{WindowLimit: 1, Window: 10 * time.Millisecond})
	_, err := g.CanExecute("s1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	g.sweepWindows(time.Now())

	_, err = g.CanExecute("s1")
	assert.NoError(t, err, "expired stamps should have been pruned by the sweep")
}

func TestTryReserveSessionSlot_AtomicCheckAndReserve(t *testing.T) {
	g := New(Config{MaxSessions: 2})
	require.NoError(t, g.TryReserveSessionSlot())
	require.NoError(t, g.TryReserveSessionSlot())

	err := g.TryReserveSessionSlot()
	assert.ErrorIs(t, err, ErrNoSlot)

	g.ReleaseSessionSlot()
	assert.NoError(t, g.TryReserveSessionSlot())
}

func TestTryAddConnection_EnforcesLimit(t *testing.T) {
	g := New(Config{MaxConnections: 1})
	require.NoError(t, g.TryAddConnection())

	err := g.TryAddConnection()
	assert.ErrorIs(t, err, ErrConnectionLimit)

	g.ReleaseConnection()
	assert.NoError(t, g.TryAddConnection())
}

func TestSweepExpiredSessions_TriggersCallback(t *testing.T) {
	g := New(Config{MaxSessionLifetime: 10 * time.Millisecond})
	g.TrackSessionStart("s1", time.Now().Add(-time.Hour))

	var expiredID string
	g.sweepExpiredSessions(time.Now(), func(id string, age time.Duration) {
		expiredID = id
	})

	assert.Equal(t, "s1", expiredID)
}

func TestUntrackSession_PreventsExpiry(t *testing.T) {
	g := New(Config{MaxSessionLifetime: 10 * time.Millisecond})
	g.TrackSessionStart("s1", time.Now().Add(-time.Hour))
	g.UntrackSession("s1")

	called := false
	g.sweepExpiredSessions(time.Now(), func(id string, age time.Duration) {
		called = true
	})
	assert.False(t, called)
}

func TestStats_ReportsCounters(t *testing.T) {
	g := New(Config{MaxSessions: 5, MaxConnections: 5})
	require.NoError(t, g.TryReserveSessionSlot())
	require.NoError(t, g.TryAddConnection())
	_, _ = g.CanExecute("s1")

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.SessionSlotsInUse)
	assert.Equal(t, int64(1), stats.ConnectionsInUse)
	assert.Equal(t, 1, stats.TrackedScopes)
}

func TestStartStop_SweeperIdempotent(t *testing.T) {
	g := New(Config{SweepInterval: 5 * time.Millisecond})
	g.StartSweeper(nil)
	time.Sleep(10 * time.Millisecond)
	g.Stop()
	g.Stop()
}

func TestUpdateLimits_AppliesWithoutRestart(t *testing.T) {
	g := New(Config{MaxSessions: 1, MaxConnections: 1})
	require.NoError(t, g.TryReserveSessionSlot())

	err := g.TryReserveSessionSlot()
	assert.ErrorIs(t, err, ErrNoSlot)

	g.UpdateLimits(Config{MaxSessions: 2, MaxConnections: 2})
	assert.NoError(t, g.TryReserveSessionSlot(), "raised MaxSessions should admit a second slot without recreating the governor")
}

func TestUpdateLimits_NewScopesUseUpdatedWindowLimit(t *testing.T) {
	g := New(Config{WindowLimit: 1, Window: time.Minute})
	g.UpdateLimits(Config{WindowLimit: 2, Window: time.Minute})

	// s1 is touched for the first time after the update, so its window is
	// created with the new WindowLimit from the start.
	_, err := g.CanExecute("s1")
	require.NoError(t, err)
	_, err = g.CanExecute("s1")
	assert.NoError(t, err, "a scope created after UpdateLimits should get the new WindowLimit")
}

func TestReleaseSessionSlot_DoubleReleaseReportsInvariantViolation(t *testing.T) {
	g := New(Config{MaxSessions: 2})
	sink := metrics.NewMemorySink()
	g.SetMetrics(sink)

	require.NoError(t, g.TryReserveSessionSlot())
	g.ReleaseSessionSlot()
	g.ReleaseSessionSlot() // nothing reserved anymore

	assert.Equal(t, int64(1), sink.Snapshot().Counters[metrics.InvariantViolations])
}

func TestReleaseConnection_DoubleReleaseReportsInvariantViolation(t *testing.T) {
	g := New(Config{MaxConnections: 2})
	sink := metrics.NewMemorySink()
	g.SetMetrics(sink)

	require.NoError(t, g.TryAddConnection())
	g.ReleaseConnection()
	g.ReleaseConnection()

	assert.Equal(t, int64(1), sink.Snapshot().Counters[metrics.InvariantViolations])
}

func TestReleaseSessionSlot_NoMetricsSinkDoesNotPanic(t *testing.T) {
	g := New(Config{MaxSessions: 1})
	g.ReleaseSessionSlot() // never reserved, no sink wired
}
