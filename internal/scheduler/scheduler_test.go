package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCron(t *testing.T, expr string) Schedule {
	t.Helper()
	s, err := Cron(expr)
	require.NoError(t, err)
	return s
}

func TestRegister_DuplicateIsNoop(t *testing.T) {
	s := New()
	var first, second atomic.Int32

	require.NoError(t, s.Register("job", mustCron(t, "* * * * *"), func(ctx context.Context) error {
		first.Add(1)
		return nil
	}, Options{}))
	require.NoError(t, s.Register("job", mustCron(t, "* * * * *"), func(ctx context.Context) error {
		second.Add(1)
		return nil
	}, Options{}))

	require.NoError(t, s.Trigger(context.Background(), "job"))
	assert.Equal(t, int32(1), first.Load(), "first registration must win")
	assert.Equal(t, int32(0), second.Load())
}

func TestRegister_InvalidSchedule(t *testing.T) {
	s := New()
	err := s.Register("bad", Schedule{}, func(ctx context.Context) error { return nil }, Options{})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.Nil(t, s.Stats("bad"))
}

func TestTrigger_Success(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("health-monitoring", mustCron(t, "0 6 * * *"),
		func(ctx context.Context) error { return nil }, Options{}))

	st := s.Stats("health-monitoring")
	require.NotNil(t, st)
	assert.Equal(t, uint64(0), st.SuccessCount)

	require.NoError(t, s.Trigger(context.Background(), "health-monitoring"))

	st = s.Stats("health-monitoring")
	assert.Equal(t, uint64(1), st.SuccessCount)
	assert.Equal(t, uint64(0), st.FailureCount)
	assert.False(t, st.IsRunning)
	assert.Nil(t, st.LastError)
	assert.NotNil(t, st.LastRun)
}

func TestTrigger_FailureRecorded(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	require.NoError(t, s.Register("job", mustCron(t, "* * * * *"),
		func(ctx context.Context) error { return boom }, Options{}))

	require.NoError(t, s.Trigger(context.Background(), "job"))

	st := s.Stats("job")
	assert.Equal(t, uint64(1), st.FailureCount)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "boom", st.LastError.Message)
	assert.False(t, st.LastError.Timestamp.IsZero())
	assert.False(t, st.IsRunning)

	// a later success clears the recorded error
	s2 := New()
	calls := 0
	require.NoError(t, s2.Register("job", mustCron(t, "* * * * *"), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	}, Options{}))
	require.NoError(t, s2.Trigger(context.Background(), "job"))
	require.NoError(t, s2.Trigger(context.Background(), "job"))
	st = s2.Stats("job")
	assert.Equal(t, uint64(1), st.SuccessCount)
	assert.Equal(t, uint64(1), st.FailureCount)
	assert.Nil(t, st.LastError)
}

func TestTrigger_PanicDoesNotEscape(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("job", mustCron(t, "* * * * *"),
		func(ctx context.Context) error { panic("kaboom") }, Options{}))

	require.NotPanics(t, func() {
		require.NoError(t, s.Trigger(context.Background(), "job"))
	})

	st := s.Stats("job")
	assert.Equal(t, uint64(1), st.FailureCount)
	require.NotNil(t, st.LastError)
	assert.Contains(t, st.LastError.Message, "kaboom")
	assert.NotEmpty(t, st.LastError.Stack)
}

func TestTrigger_UnknownJob(t *testing.T) {
	s := New()
	err := s.Trigger(context.Background(), "x")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSingleFlight(t *testing.T) {
	s := New()
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Register("job", mustCron(t, "* * * * *"), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, Options{}))

	go func() { _ = s.Trigger(context.Background(), "job") }()
	<-started

	st := s.Stats("job")
	assert.True(t, st.IsRunning)

	// second invocation while running must skip without touching counters
	require.NoError(t, s.Trigger(context.Background(), "job"))
	st = s.Stats("job")
	assert.Equal(t, uint64(0), st.SuccessCount)
	assert.Equal(t, uint64(0), st.FailureCount)

	close(release)
	require.Eventually(t, func() bool {
		st := s.Stats("job")
		return !st.IsRunning && st.SuccessCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCriticalFailureInvokesAlert(t *testing.T) {
	var alerted atomic.Int32
	s := New(WithAlert(func(name string, err error) {
		alerted.Add(1)
	}))
	require.NoError(t, s.Register("critical-job", mustCron(t, "* * * * *"),
		func(ctx context.Context) error { return errors.New("down") }, Options{Critical: true}))
	require.NoError(t, s.Register("normal-job", mustCron(t, "* * * * *"),
		func(ctx context.Context) error { return errors.New("down") }, Options{}))

	require.NoError(t, s.Trigger(context.Background(), "critical-job"))
	require.NoError(t, s.Trigger(context.Background(), "normal-job"))
	assert.Equal(t, int32(1), alerted.Load())
}

func TestStartStop(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("job", mustCron(t, "0 6 * * *"),
		func(ctx context.Context) error { return nil }, Options{}))

	// registered jobs start disarmed
	st := s.Stats("job")
	assert.Nil(t, st.NextRun)
	assert.True(t, st.Enabled)

	assert.True(t, s.StartJob("job"))
	st = s.Stats("job")
	require.NotNil(t, st.NextRun)
	assert.True(t, st.Enabled)

	assert.True(t, s.StopJob("job"))
	st = s.Stats("job")
	assert.Nil(t, st.NextRun)
	assert.False(t, st.Enabled)

	assert.False(t, s.StartJob("missing"))
	assert.False(t, s.StopJob("missing"))
}

func TestStartAllStopAll(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("a", mustCron(t, "* * * * *"), func(ctx context.Context) error { return nil }, Options{}))
	require.NoError(t, s.Register("b", mustCron(t, "* * * * *"), func(ctx context.Context) error { return nil }, Options{}))

	s.StartAll()
	for _, st := range s.AllStats() {
		assert.True(t, st.Enabled)
		assert.NotNil(t, st.NextRun)
	}

	s.StopAll()
	for _, st := range s.AllStats() {
		assert.False(t, st.Enabled)
		assert.Nil(t, st.NextRun)
	}
}

func TestRunLoop_FiresAndRespectsDisable(t *testing.T) {
	s := New(WithTick(5 * time.Millisecond))
	var runs atomic.Int32
	require.NoError(t, s.Register("ticker", Every(10*time.Millisecond), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Options{}))
	s.StartAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// a stopped job gets no further ticks and no stats churn
	require.True(t, s.StopJob("ticker"))
	before := s.Stats("ticker").SuccessCount
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, s.Stats("ticker").SuccessCount)
}

func TestDisabledSkipDoesNotMutateStats(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register("job", mustCron(t, "* * * * *"), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Options{Disabled: true}))

	j := s.jobs["job"]
	s.run(context.Background(), j, false)

	assert.Equal(t, int32(0), runs.Load())
	st := s.Stats("job")
	assert.Equal(t, uint64(0), st.SuccessCount)
	assert.Equal(t, uint64(0), st.FailureCount)
	assert.Nil(t, st.LastRun)
}

func TestTriggerIgnoresDisabled(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Register("job", mustCron(t, "* * * * *"), func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Options{Disabled: true}))

	require.NoError(t, s.Trigger(context.Background(), "job"))
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunOnStartIsSupervised(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("job", mustCron(t, "0 6 * * *"),
		func(ctx context.Context) error { return errors.New("startup failure") }, Options{RunOnStart: true}))

	// the immediate run goes through the same recording path as a tick
	require.Eventually(t, func() bool {
		st := s.Stats("job")
		return st.FailureCount == 1 && st.LastError != nil
	}, time.Second, 5*time.Millisecond)
}

func TestStatsUnknownJob(t *testing.T) {
	s := New()
	assert.Nil(t, s.Stats("nope"))
	assert.Empty(t, s.AllStats())
}

func TestAllStatsOrder(t *testing.T) {
	s := New()
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, s.Register(name, mustCron(t, "* * * * *"),
			func(ctx context.Context) error { return nil }, Options{}))
	}
	var names []string
	for _, st := range s.AllStats() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}
