package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetd/internal/fleeterr"
)

type fakeReconciler struct {
	processCount   atomic.Int32
	processErr     error
	stoppedCount   atomic.Int32
	startupCalled  atomic.Bool
	cleanupCalled  atomic.Bool
}

func (f *fakeReconciler) Process(ctx context.Context) error {
	f.processCount.Add(1)
	return f.processErr
}

func (f *fakeReconciler) ProcessStopped(ctx context.Context) error {
	f.stoppedCount.Add(1)
	return nil
}

func (f *fakeReconciler) Startup(ctx context.Context) error {
	f.startupCalled.Store(true)
	return nil
}

func (f *fakeReconciler) Cleanup() error {
	f.cleanupCalled.Store(true)
	return nil
}

func TestNew_FailsFastOnFactoryError(t *testing.T) {
	_, err := New(Config{ThrottleSecs: 0}, NewStateStore(StateStopped), func() (Reconciler, error) {
		return nil, assert.AnError
	}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, fleeterr.IsOperational(err))
}

func TestRun_ProcessesWhileRunningUntilCancelled(t *testing.T) {
	fake := &fakeReconciler{}
	state := NewStateStore(StateRunning)
	sv, err := New(Config{ThrottleSecs: 0}, state, func() (Reconciler, error) {
		return fake, nil
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = sv.Run(ctx)

	assert.True(t, fake.startupCalled.Load())
	assert.Greater(t, fake.processCount.Load(), int32(0))
	assert.True(t, fake.cleanupCalled.Load())
	assert.False(t, sv.LastReconcile().IsZero())
}

func TestRun_StoppedStateCallsProcessStopped(t *testing.T) {
	fake := &fakeReconciler{}
	state := NewStateStore(StateStopped)
	sv, err := New(Config{ThrottleSecs: 0}, state, func() (Reconciler, error) {
		return fake, nil
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = sv.Run(ctx)

	assert.Greater(t, fake.stoppedCount.Load(), int32(0))
	assert.Equal(t, int32(0), fake.processCount.Load())
}

func TestProcessRunning_OperationalErrorParksStopped(t *testing.T) {
	fake := &fakeReconciler{processErr: fleeterr.NewOperational("test", assert.AnError)}
	state := NewStateStore(StateRunning)
	sv, err := New(Config{ThrottleSecs: 0}, state, func() (Reconciler, error) {
		return fake, nil
	}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sv.processRunning(context.Background()))
	assert.Equal(t, StateStopped, state.Get())
}

func TestThrottle_FloorsWallTimeToThrottleSecs(t *testing.T) {
	fake := &fakeReconciler{}
	sv, err := New(Config{ThrottleSecs: 1}, NewStateStore(StateStopped), func() (Reconciler, error) {
		return fake, nil
	}, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	sv.throttle(context.Background(), "process", func(ctx context.Context) error { return nil })
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestThrottle_SlowCallIsNotPaddedFurther(t *testing.T) {
	fake := &fakeReconciler{}
	sv, err := New(Config{ThrottleSecs: 0}, NewStateStore(StateStopped), func() (Reconciler, error) {
		return fake, nil
	}, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	sv.throttle(context.Background(), "process", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestStateStore_GetSet(t *testing.T) {
	s := NewStateStore(StateStopped)
	assert.Equal(t, StateStopped, s.Get())
	s.Set(StateRunning)
	assert.Equal(t, StateRunning, s.Get())
}
