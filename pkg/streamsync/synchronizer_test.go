package streamsync

import (
	"testing"
	"time"

	"streamconsole/pkg/tokens"

	"github.com/stretchr/testify/require"
)

const await = 100 * time.Millisecond

type flushed struct {
	Text   string
	Stream tokens.ContentType
}

type recorder struct {
	flushes []flushed
}

func (r *recorder) flush(text string, stream tokens.ContentType) {
	r.flushes = append(r.flushes, flushed{text, stream})
}

func (r *recorder) texts() []string {
	var out []string
	for _, f := range r.flushes {
		out = append(out, f.Text)
	}
	return out
}

var t0 = time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)

func ms(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Millisecond)
}

func newSync() (*Synchronizer, *ManualScheduler, *recorder) {
	clock := NewManualScheduler(t0)
	rec := &recorder{}
	return New(await, clock, rec.flush), clock, rec
}

func TestSubmit_HoldsInterleavingChunkUntilDeadline(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("info:", tokens.Stdout, ms(0))
	s.Submit("warn:", tokens.Stderr, ms(4))
	s.Submit("Error\n", tokens.Stderr, ms(4))
	s.Submit("rest", tokens.Stdout, ms(5))

	require.Equal(t, []string{"info:", "rest"}, rec.texts())
	require.Equal(t, 2, s.Pending())
	deadline, ok := s.Deadline()
	require.True(t, ok)
	require.Equal(t, ms(100), deadline)

	clock.Advance(ms(99))
	require.Equal(t, []string{"info:", "rest"}, rec.texts())

	clock.Advance(ms(100))
	require.Equal(t, []flushed{
		{"info:", tokens.Stdout},
		{"rest", tokens.Stdout},
		{"warn:", tokens.Stderr},
		{"Error\n", tokens.Stderr},
	}, rec.flushes)
	require.Zero(t, s.Pending())

	stream, lineOpen, ok := s.Current()
	require.True(t, ok)
	require.Equal(t, tokens.Stderr, stream)
	require.False(t, lineOpen)

	_, ok = s.Deadline()
	require.False(t, ok)
}

func TestSubmit_NewlineLetsOtherStreamGoNext(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("line\n", tokens.Stdout, ms(0))
	s.Submit("oops", tokens.Stderr, ms(1))

	require.Equal(t, []string{"line\n", "oops"}, rec.texts())
	require.Zero(t, s.Pending())
	require.Zero(t, clock.Scheduled())

	stream, lineOpen, _ := s.Current()
	require.Equal(t, tokens.Stderr, stream)
	require.True(t, lineOpen)
}

func TestSubmit_FinishedLineReleasesBacklog(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("build ", tokens.Stdout, ms(0))
	s.Submit("E1\n", tokens.Stderr, ms(1))
	s.Submit("E2\n", tokens.Stderr, ms(2))
	s.Submit("ok\n", tokens.Stdout, ms(3))

	require.Equal(t, []string{"build ", "ok\n", "E1\n", "E2\n"}, rec.texts())
	require.Zero(t, clock.Scheduled())
	_, ok := s.Deadline()
	require.False(t, ok)
}

func TestSubmit_QueuedChunksKeepArrivalOrderAcrossStreams(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stderr, ms(1))
	s.Submit("c", tokens.System, ms(2))
	s.Submit("d", tokens.Stderr, ms(3))

	clock.Advance(ms(150))

	require.Equal(t, []string{"a", "b", "c", "d"}, rec.texts())
}

func TestSubmit_DeadlineMeasuredFromLastFlush(t *testing.T) {
	s, _, _ := newSync()

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stdout, ms(40))
	s.Submit("x", tokens.Stderr, ms(60))

	deadline, ok := s.Deadline()
	require.True(t, ok)
	require.Equal(t, ms(140), deadline)
}

func TestSubmit_ExpiredWindowFlushesImmediately(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("prompt> ", tokens.Stdout, ms(0))
	s.Submit("late", tokens.Stderr, ms(500))

	require.Equal(t, []string{"prompt> ", "late"}, rec.texts())
	require.Zero(t, clock.Scheduled())
}

func TestSubmit_SameTimestampDeadlineReleasesFirst(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stderr, ms(10))

	// The timer has not fired yet, but the chunk arrives exactly at the deadline.
	// The deadline is processed first; "b" then owns the open line.
	s.Submit("c", tokens.Stdout, ms(100))

	require.Equal(t, []string{"a", "b"}, rec.texts())
	require.Equal(t, 1, s.Pending())
	deadline, ok := s.Deadline()
	require.True(t, ok)
	require.Equal(t, ms(200), deadline)

	clock.Advance(ms(200))
	require.Equal(t, []string{"a", "b", "c"}, rec.texts())
}

func TestProcessPendingChunks(t *testing.T) {
	s, _, rec := newSync()

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stderr, ms(1))

	require.False(t, s.ProcessPendingChunks(ms(50)))
	require.Equal(t, []string{"a"}, rec.texts())

	require.True(t, s.ProcessPendingChunks(ms(120)))
	require.Equal(t, []string{"a", "b"}, rec.texts())

	require.False(t, s.ProcessPendingChunks(ms(200)))
}

func TestClear_DropsPendingWithoutFlushing(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stderr, ms(1))
	s.Clear()

	clock.Advance(ms(500))
	require.Equal(t, []string{"a"}, rec.texts())
	require.Zero(t, s.Pending())

	_, _, ok := s.Current()
	require.False(t, ok)

	s.Submit("c", tokens.Stderr, ms(501))
	require.Equal(t, []string{"a", "c"}, rec.texts())
}

func TestFire_StaleCallbackIgnored(t *testing.T) {
	clock := NewManualScheduler(t0)
	var fires []func(time.Time)
	capture := schedulerFunc(func(deadline time.Time, fire func(time.Time)) func() {
		fires = append(fires, fire)
		return clock.Schedule(deadline, fire)
	})
	rec := &recorder{}
	s := New(await, capture, rec.flush)

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stderr, ms(1))
	s.Clear()
	s.Submit("c", tokens.Stdout, ms(2))
	s.Submit("d", tokens.Stderr, ms(3))

	require.Len(t, fires, 2)
	// A timer that raced with Clear must not release the new backlog.
	fires[0](ms(200))
	require.Equal(t, []string{"a", "c"}, rec.texts())

	fires[1](ms(200))
	require.Equal(t, []string{"a", "c", "d"}, rec.texts())
}

func TestFlush(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stderr, ms(1))
	s.Flush(ms(2))

	require.Equal(t, []string{"a", "b"}, rec.texts())
	require.Zero(t, clock.Scheduled())
}

func TestDispose(t *testing.T) {
	s, clock, rec := newSync()

	s.Submit("a", tokens.Stdout, ms(0))
	s.Submit("b", tokens.Stderr, ms(1))
	s.Dispose()
	s.Submit("c", tokens.Stdout, ms(2))
	clock.Advance(ms(500))

	require.Equal(t, []string{"a"}, rec.texts())
}

func TestSchedule_TwiceIsAProgrammingError(t *testing.T) {
	s, _, _ := newSync()
	s.schedule(ms(10))
	require.PanicsWithValue(t, ErrDoubleSchedule, func() {
		s.schedule(ms(20))
	})
}

func TestSubmit_EmptyTextIgnored(t *testing.T) {
	s, _, rec := newSync()
	s.Submit("", tokens.Stdout, ms(0))
	require.Empty(t, rec.flushes)
	_, _, ok := s.Current()
	require.False(t, ok)
}

func TestTimerScheduler(t *testing.T) {
	fired := make(chan time.Time, 1)
	TimerScheduler{}.Schedule(time.Now().Add(10*time.Millisecond), func(now time.Time) {
		fired <- now
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	cancelled := make(chan time.Time, 1)
	cancel := TimerScheduler{}.Schedule(time.Now().Add(50*time.Millisecond), func(now time.Time) {
		cancelled <- now
	})
	cancel()
	select {
	case <-cancelled:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

type schedulerFunc func(deadline time.Time, fire func(time.Time)) func()

func (f schedulerFunc) Schedule(deadline time.Time, fire func(time.Time)) func() {
	return f(deadline, fire)
}
