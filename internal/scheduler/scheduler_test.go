package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dskeys/internal/audit"
	"github.com/systmms/dskeys/internal/reconcile"
)

type fakeEngine struct {
	reconciles atomic.Int32
	audits     atomic.Int32
	deliveries atomic.Int32
	auditErr   error
}

func (e *fakeEngine) ReconcileNow(context.Context, string) (reconcile.Summary, error) {
	e.reconciles.Add(1)
	return reconcile.Summary{Checked: 2, Transitions: 1}, nil
}

func (e *fakeEngine) TriggerAudit(context.Context) (audit.Report, error) {
	e.audits.Add(1)
	return audit.Report{}, e.auditErr
}

func (e *fakeEngine) DeliverAlerts(context.Context) (int, error) {
	e.deliveries.Add(1)
	return 0, nil
}

var epoch = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func TestScheduler_RunsJobsOnTheirIntervals(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	clk := testclock.NewClock(epoch)
	s := New(DefaultConfig(), eng, WithClock(clk))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 3))
	assert.Eventually(t, func() bool { return eng.deliveries.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), eng.reconciles.Load())

	require.NoError(t, clk.WaitAdvance(15*time.Minute, time.Second, 3))
	assert.Eventually(t, func() bool { return eng.reconciles.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), eng.audits.Load())

	require.NoError(t, clk.WaitAdvance(6*time.Hour, time.Second, 3))
	assert.Eventually(t, func() bool { return eng.audits.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_DisabledJobsNeverRun(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	clk := testclock.NewClock(epoch)
	s := New(Config{ReconcileInterval: time.Minute}, eng, WithClock(clk))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, clk.WaitAdvance(time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool { return eng.reconciles.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), eng.audits.Load())
	assert.Equal(t, int32(0), eng.deliveries.Load())
}

func TestScheduler_StartTwice(t *testing.T) {
	t.Parallel()
	s := New(DefaultConfig(), &fakeEngine{}, WithClock(testclock.NewClock(epoch)))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrRunning)
	s.Stop()
	s.Stop()

	require.NoError(t, s.Start(context.Background()), "restart after stop")
	s.Stop()
}

func TestScheduler_RunNowRecordsStatus(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{auditErr: errors.New("inventory unavailable")}
	clk := testclock.NewClock(epoch)
	s := New(DefaultConfig(), eng, WithClock(clk))
	ctx := context.Background()

	require.NoError(t, s.RunNow(ctx, JobReconcile))
	err := s.RunNow(ctx, JobAudit)
	assert.EqualError(t, err, "inventory unavailable")
	assert.Error(t, s.RunNow(ctx, "compact"))

	status := s.Status()
	require.Len(t, status, 3)
	assert.Equal(t, JobAlerts, status[0].Name)
	assert.Equal(t, 0, status[0].Runs)

	assert.Equal(t, JobAudit, status[1].Name)
	assert.Equal(t, 1, status[1].Runs)
	assert.Equal(t, "inventory unavailable", status[1].LastError)
	assert.Equal(t, 6*time.Hour, status[1].Interval)

	assert.Equal(t, JobReconcile, status[2].Name)
	assert.Equal(t, epoch, status[2].LastRun)
	assert.Empty(t, status[2].LastError)
}

func TestScheduler_PanickingJobIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, WithClock(testclock.NewClock(epoch)), WithJob(Job{
		Name:     "boom",
		Interval: time.Minute,
		Run:      func(context.Context) error { panic("broken job") },
	}))

	err := s.RunNow(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken job")
	assert.Equal(t, 1, s.Status()[0].Runs)
}
