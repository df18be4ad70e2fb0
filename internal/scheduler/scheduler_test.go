package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/events"
)

type fakeJob struct {
	name string
	err  error
	mu   sync.Mutex
	runs int
}

func (f *fakeJob) Name() string { return f.name }

func (f *fakeJob) Run(context.Context) error {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return f.err
}

func TestRunNowEmitsLifecycleEvents(t *testing.T) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	s := New(events.NewManager(bus, log), log)

	var statuses []string
	var mu sync.Mutex
	for _, typ := range []events.EventType{events.JobStarted, events.JobCompleted, events.JobFailed} {
		bus.Subscribe(typ, func(e *events.Event) {
			mu.Lock()
			statuses = append(statuses, e.Data["status"].(string))
			mu.Unlock()
		})
	}

	ok := &fakeJob{name: "ok"}
	require.NoError(t, s.RunNow(ok))
	assert.Equal(t, 1, ok.runs)

	broken := &fakeJob{name: "broken", err: errors.New("disk full")}
	require.Error(t, s.RunNow(broken))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started", "completed", "started", "failed"}, statuses)
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	log := zerolog.Nop()
	s := New(events.NewManager(events.NewBus(log), log), log)

	assert.Error(t, s.AddJob("not a schedule", &fakeJob{name: "x"}))
	assert.NoError(t, s.AddJob("0 0 2 * * *", &fakeJob{name: "y"}))
}
