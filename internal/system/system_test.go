package system

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
)

func testSessionConfig(t *testing.T) *config.SessionConfig {
	t.Helper()
	cfg := &config.SessionConfig{
		SessionName: "wiring",
		Mode:        "backtest",
		Exchange:    "XNYS",
		Data: config.SessionDataConfig{
			BaseInterval:     "1m",
			DerivedIntervals: []string{"5m"},
		},
		Backtest: &config.BacktestConfig{StartDate: "2025-11-04", EndDate: "2025-11-04"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func wireManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{
		DataDir:           t.TempDir(),
		RepositoryBackend: "sqlite",
	}
	m, err := Wire(context.Background(), cfg, testSessionConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestWireBuildsBacktestPipeline(t *testing.T) {
	m := wireManager(t)

	st := m.State()
	assert.Equal(t, domain.ModeBacktest, st.Mode)
	assert.False(t, st.Running)
	assert.Equal(t, domain.StateStopped, st.Session.State)
	assert.Empty(t, st.Symbols)
	assert.NotNil(t, m.Events())
	assert.NotNil(t, m.Metrics())
}

func TestStartStopLifecycle(t *testing.T) {
	m := wireManager(t)

	require.NoError(t, m.Start())
	assert.True(t, m.State().Running)

	// A second Start while running is rejected
	var lcErr *domain.LifecycleError
	assert.ErrorAs(t, m.Start(), &lcErr)

	// An empty symbol universe finishes immediately
	require.Eventually(t, func() bool {
		return m.Coordinator().Status().State == domain.StateStopped
	}, 10*time.Second, 10*time.Millisecond)

	m.Stop()
	assert.False(t, m.State().Running)
}

func TestSetModeGuardedWhileRunning(t *testing.T) {
	m := wireManager(t)
	require.NoError(t, m.Start())

	var lcErr *domain.LifecycleError
	assert.ErrorAs(t, m.SetMode(domain.ModeLive), &lcErr)
	m.Stop()
}

func TestSetModeRebuildsPipelineAndRoundTrips(t *testing.T) {
	m := wireManager(t)

	var changed []*events.Event
	m.Events().Subscribe(events.ModeChanged, func(e *events.Event) {
		changed = append(changed, e)
	})

	coordBefore := m.Coordinator()
	require.NoError(t, m.SetMode(domain.ModeLive))
	assert.Equal(t, domain.ModeLive, m.State().Mode)
	assert.NotSame(t, coordBefore, m.Coordinator(), "mode change rebuilds the pipeline")
	require.Len(t, changed, 1)
	assert.Equal(t, "backtest", changed[0].Data["old_mode"])
	assert.Equal(t, "live", changed[0].Data["new_mode"])

	// The stashed backtest block comes back on the return trip
	require.NoError(t, m.SetMode(domain.ModeBacktest))
	assert.Equal(t, domain.ModeBacktest, m.State().Mode)
	start, end := m.SessionConfig().BacktestRange()
	assert.Equal(t, "2025-11-04", start.Format("2006-01-02"))
	assert.Equal(t, "2025-11-04", end.Format("2006-01-02"))
}

func TestReconfigureSwapsSessionDocument(t *testing.T) {
	m := wireManager(t)

	next := &config.SessionConfig{
		SessionName: "next-day",
		Mode:        "backtest",
		Exchange:    "XNYS",
		Data: config.SessionDataConfig{
			BaseInterval: "1m",
		},
		Backtest: &config.BacktestConfig{StartDate: "2025-11-05", EndDate: "2025-11-05"},
	}
	require.NoError(t, next.Validate())

	require.NoError(t, m.Reconfigure(next))
	assert.Equal(t, "next-day", m.SessionConfig().SessionName)
}
