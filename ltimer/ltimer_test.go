package ltimer

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firing struct {
	at     time.Duration
	killed bool
	priv   any
}

type recorder struct {
	mu     sync.Mutex
	mock   *clock.Mock
	epoch  time.Time
	fired  []firing
	onFire func(f firing)
}

func newRecorder(mock *clock.Mock) *recorder {
	return &recorder{mock: mock, epoch: mock.Now()}
}

func (r *recorder) fn(killed bool, priv any) {
	f := firing{at: r.mock.Now().Sub(r.epoch), killed: killed, priv: priv}
	r.mu.Lock()
	r.fired = append(r.fired, f)
	cb := r.onFire
	r.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

func (r *recorder) all() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firing(nil), r.fired...)
}

func newMockTimer(t *testing.T, tick time.Duration, opts ...Option) (*Timer, *clock.Mock) {
	mock := clock.NewMock()
	timer, err := New(tick, false, append([]Option{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	return timer, mock
}

// step advances the mock clock by d and spaks, n times.
func step(timer *Timer, mock *clock.Mock, d time.Duration, n int) {
	for i := 0; i < n; i++ {
		mock.Add(d)
		timer.Spak()
	}
}

func panicErr(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, false)
	assert.ErrorIs(t, err, ErrInvalidTick)

	_, err = New(time.Millisecond, false, WithSlots(6))
	assert.ErrorIs(t, err, ErrInvalidSlots)

	timer, err := New(100*time.Millisecond, false, WithSlots(8))
	require.NoError(t, err)
	assert.Equal(t, 800*time.Millisecond, timer.Limit())
	assert.Equal(t, 100*time.Millisecond, timer.Delay())
	assert.Equal(t, 0, timer.Len())
}

func TestThirdSpakFires(t *testing.T) {
	timer, mock := newMockTimer(t, 100*time.Millisecond, WithSlots(8))
	rec := newRecorder(mock)

	require.NoError(t, timer.Post(250*time.Millisecond, false, rec.fn, "x"))

	step(timer, mock, 100*time.Millisecond, 1)
	assert.Empty(t, rec.all())
	step(timer, mock, 100*time.Millisecond, 1)
	assert.Empty(t, rec.all())
	step(timer, mock, 100*time.Millisecond, 1)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, firing{at: 300 * time.Millisecond, priv: "x"}, rec.all()[0])

	step(timer, mock, 100*time.Millisecond, 20)
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, 0, timer.Len())
	assert.Equal(t, 0, timer.pool.used)
}

func TestSingleShotNeverEarly(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	require.NoError(t, timer.PostAfter(95*time.Millisecond, 0, false, rec.fn, nil))
	step(timer, mock, time.Millisecond, 400)

	fired := rec.all()
	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, fired[0].at, 95*time.Millisecond)
	assert.Less(t, fired[0].at, 95*time.Millisecond+2*timer.Delay())
	assert.False(t, fired[0].killed)
}

func TestSameSlotKeepsInsertionOrder(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	for i := 0; i < 5; i++ {
		require.NoError(t, timer.Post(50*time.Millisecond, false, rec.fn, i))
	}
	step(timer, mock, 10*time.Millisecond, 10)

	fired := rec.all()
	require.Len(t, fired, 5)
	for i, f := range fired {
		assert.Equal(t, i, f.priv)
	}
}

func TestPeriodicAndKill(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	h, err := timer.ScheduleAfter(100*time.Millisecond, 100*time.Millisecond, true, rec.fn, nil)
	require.NoError(t, err)
	step(timer, mock, 10*time.Millisecond, 100)

	fired := rec.all()
	require.GreaterOrEqual(t, len(fired), 8)
	assert.GreaterOrEqual(t, fired[0].at, 100*time.Millisecond)
	for i := 1; i < len(fired); i++ {
		assert.GreaterOrEqual(t, fired[i].at-fired[i-1].at, 100*time.Millisecond)
		assert.False(t, fired[i].killed)
	}
	assert.True(t, h.Pending())

	before := len(fired)
	h.Kill()
	step(timer, mock, 10*time.Millisecond, 50)

	fired = rec.all()
	require.Len(t, fired, before+1)
	assert.True(t, fired[before].killed)
	assert.False(t, h.Pending())
	assert.Equal(t, 0, timer.Len())

	// the handle still pins the task until Exit
	assert.Equal(t, 1, timer.pool.used)
	h.Exit()
	assert.Equal(t, 0, timer.pool.used)
	h.Exit()
	h.Kill()
}

func TestKillWhileFiring(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	var h TaskHandle
	var once sync.Once
	rec.onFire = func(f firing) {
		once.Do(h.Kill)
	}
	h, err := timer.Schedule(30*time.Millisecond, true, rec.fn, nil)
	require.NoError(t, err)

	step(timer, mock, 10*time.Millisecond, 30)

	fired := rec.all()
	require.Len(t, fired, 2)
	assert.False(t, fired[0].killed)
	assert.True(t, fired[1].killed)
	h.Exit()
	assert.Equal(t, 0, timer.pool.used)
}

func TestExitBeforeFiring(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	h, err := timer.Schedule(50*time.Millisecond, false, rec.fn, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, timer.Len())
	h.Exit()
	assert.Equal(t, 0, timer.Len())
	assert.Equal(t, 0, timer.pool.used)

	step(timer, mock, 10*time.Millisecond, 20)
	assert.Empty(t, rec.all())

	// stale handle after the slot was reused
	require.NoError(t, timer.Post(10*time.Millisecond, false, rec.fn, nil))
	h.Kill()
	h.Exit()
	step(timer, mock, 10*time.Millisecond, 3)
	require.Len(t, rec.all(), 1)
	assert.False(t, rec.all()[0].killed)
}

func TestExitWhileFiring(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	var h TaskHandle
	rec.onFire = func(f firing) { h.Exit() }
	h, err := timer.Schedule(20*time.Millisecond, true, rec.fn, nil)
	require.NoError(t, err)

	step(timer, mock, 10*time.Millisecond, 20)
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, 0, timer.Len())
	assert.Equal(t, 0, timer.pool.used)
}

func TestHorizon(t *testing.T) {
	timer, _ := newMockTimer(t, 100*time.Millisecond, WithSlots(8))
	noop := func(bool, any) {}

	assert.ErrorIs(t, panicErr(func() { _ = timer.Post(800*time.Millisecond, false, noop, nil) }), ErrBeyondHorizon)
	assert.ErrorIs(t, panicErr(func() { _ = timer.PostAfter(time.Millisecond, 700*time.Millisecond, true, noop, nil) }), ErrBeyondHorizon)
	assert.Equal(t, 0, timer.Len())

	// the wheel is still usable after the rejected add
	assert.NoError(t, panicErr(func() { require.NoError(t, timer.Post(799*time.Millisecond, false, noop, nil)) }))
	assert.Equal(t, 1, timer.Len())
}

func TestPoolExhausted(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64), WithGrow(16), WithMaxTasks(20))
	noop := func(bool, any) {}

	for i := 0; i < 20; i++ {
		require.NoError(t, timer.Post(10*time.Millisecond, false, noop, nil))
	}
	assert.ErrorIs(t, timer.Post(10*time.Millisecond, false, noop, nil), ErrPoolExhausted)
	assert.Len(t, timer.pool.chunks, 2)

	step(timer, mock, 10*time.Millisecond, 2)
	assert.Equal(t, 0, timer.Len())
	assert.NoError(t, timer.Post(10*time.Millisecond, false, noop, nil))
}

func TestPostAt(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	h, err := timer.ScheduleAt(mock.Now().Add(40*time.Millisecond), 0, false, rec.fn, nil)
	require.NoError(t, err)
	defer h.Exit()
	require.NoError(t, timer.PostAt(mock.Now().Add(-time.Second), 0, false, rec.fn, "late"))

	step(timer, mock, 10*time.Millisecond, 1)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, "late", rec.all()[0].priv)

	step(timer, mock, 10*time.Millisecond, 5)
	require.Len(t, rec.all(), 2)
	assert.GreaterOrEqual(t, rec.all()[1].at, 40*time.Millisecond)
}

func TestCachedClock(t *testing.T) {
	mock := clock.NewMock()
	timer, err := New(10*time.Millisecond, true, WithClock(mock), WithSlots(64))
	require.NoError(t, err)

	mock.Add(50 * time.Millisecond)
	assert.Equal(t, time.Duration(0), timer.Now())

	timer.Spak()
	assert.Equal(t, 50*time.Millisecond, timer.Now())
}

func TestKillAndClear(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	h, err := timer.Schedule(20*time.Millisecond, true, rec.fn, nil)
	require.NoError(t, err)
	require.NoError(t, timer.Post(30*time.Millisecond, false, rec.fn, nil))

	timer.Clear()
	assert.Equal(t, 0, timer.Len())
	assert.Equal(t, 0, timer.pool.used)
	assert.False(t, h.Pending())
	h.Exit()

	step(timer, mock, 10*time.Millisecond, 10)
	assert.Empty(t, rec.all())

	timer.Kill()
	timer.Kill()
	assert.True(t, timer.Killed())
	assert.False(t, timer.Spak())
	assert.ErrorIs(t, timer.Post(10*time.Millisecond, false, rec.fn, nil), ErrKilled)
	_, err = timer.Schedule(10*time.Millisecond, false, rec.fn, nil)
	assert.ErrorIs(t, err, ErrKilled)
}

func TestConcurrentPost(t *testing.T) {
	timer, mock := newMockTimer(t, 10*time.Millisecond, WithSlots(64))
	rec := newRecorder(mock)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, timer.Post(20*time.Millisecond, false, rec.fn, nil))
			}
		}()
	}
	wg.Wait()

	step(timer, mock, 10*time.Millisecond, 5)
	assert.Len(t, rec.all(), 400)
	assert.Equal(t, 0, timer.Len())
}

func TestLoopAndExit(t *testing.T) {
	timer, err := New(5*time.Millisecond, true)
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, timer.Post(20*time.Millisecond, false, func(killed bool, priv any) {
		close(done)
	}, nil))

	loopDone := make(chan struct{})
	go func() {
		timer.Loop()
		close(loopDone)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not fire")
	}

	timer.Exit()
	select {
	case <-loopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, 0, timer.Len())
}
