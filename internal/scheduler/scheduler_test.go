package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	released   atomic.Int32
	expired    atomic.Int32
	reconciled atomic.Int32
	panicOn    string
}

func (f *fakeEngine) AutoRelease(ctx context.Context) (int, error) {
	if f.panicOn == JobAutoRelease {
		panic("boom")
	}
	return int(f.released.Add(1)), nil
}

func (f *fakeEngine) ExpireDeposits(ctx context.Context) (int, error) {
	f.expired.Add(1)
	return 0, errors.New("store unavailable")
}

func (f *fakeEngine) ReconcileAll(ctx context.Context) (int, error) {
	f.reconciled.Add(1)
	return 0, nil
}

type fakeDispatcher struct{ runs atomic.Int32 }

func (f *fakeDispatcher) RunOnce(ctx context.Context) (int, error) {
	f.runs.Add(1)
	return 3, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(&fakeEngine{}, nil, Specs{AutoRelease: "every tuesday"}, 0, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobAutoRelease)
}

func TestEmptySpecsRegisterNothing(t *testing.T) {
	s, err := New(&fakeEngine{}, nil, Specs{}, 0, quietLogger())
	require.NoError(t, err)
	assert.False(t, s.IsRunning())
	assert.Equal(t, []string{JobAutoRelease, JobExpireDeposits, JobReconcile}, s.Jobs())
}

func TestRunNow(t *testing.T) {
	engine, dispatcher := &fakeEngine{}, &fakeDispatcher{}
	s, err := New(engine, dispatcher, DefaultSpecs(), time.Second, quietLogger())
	require.NoError(t, err)
	assert.True(t, s.IsRunning())

	n, err := s.RunNow(context.Background(), JobDispatchEvents)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.RunNow(context.Background(), JobExpireDeposits)
	assert.EqualError(t, err, "store unavailable")

	_, err = s.RunNow(context.Background(), "nightly")
	assert.Error(t, err)
}

func TestRunWithRecoverySurvivesPanic(t *testing.T) {
	engine := &fakeEngine{panicOn: JobAutoRelease}
	s, err := New(engine, nil, Specs{}, time.Second, quietLogger())
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.runWithRecovery(JobAutoRelease) })
	assert.NotPanics(t, func() { s.runWithRecovery(JobExpireDeposits) })
	assert.Equal(t, int32(1), engine.expired.Load())
}

func TestScheduledJobsFire(t *testing.T) {
	engine, dispatcher := &fakeEngine{}, &fakeDispatcher{}
	s, err := New(engine, dispatcher, Specs{
		AutoRelease:    "* * * * * *",
		DispatchEvents: "* * * * * *",
	}, time.Second, quietLogger())
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool {
		return engine.released.Load() > 0 && dispatcher.runs.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Zero(t, engine.reconciled.Load())
}
