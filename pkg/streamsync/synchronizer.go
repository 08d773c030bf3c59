// Package streamsync merges text chunks from several unsynchronized streams
// (stdout, stderr, system messages, ...) into one ordered sequence without
// splitting a line of one stream with text from another.
//
// While the stream that flushed last has an unfinished line, chunks of other
// streams are held back. They are released when that line is finished, or at
// the latest when the await window (measured from the last flush) expires.
// Chunks of the stream that owns the open line always pass immediately.
//
// A Synchronizer is not safe for concurrent use. All calls, including the
// fire callbacks handed to the Scheduler, must run on one goroutine.
package streamsync

import (
	"errors"
	"strings"
	"time"

	"streamconsole/pkg/tokens"
)

// ErrDoubleSchedule is the panic value raised when a second deadline is
// scheduled while one is still outstanding.
var ErrDoubleSchedule = errors.New("streamsync: deadline already scheduled")

// FlushFunc receives chunks in the exact order they are to be appended
type FlushFunc func(text string, stream tokens.ContentType)

type chunk struct {
	text   string
	stream tokens.ContentType
}

type Synchronizer struct {
	await     time.Duration
	scheduler Scheduler
	flush     FlushFunc

	current    tokens.ContentType
	hasCurrent bool
	lineOpen   bool
	lastFlush  time.Time

	pending   []chunk
	scheduled bool
	deadline  time.Time
	cancel    func()
	seq       uint64 // invalidates fires of cancelled deadlines

	disposed bool
}

// New creates a Synchronizer. A nil scheduler uses wall clock timers; the
// caller must then make sure the timer callbacks reach the owning goroutine,
// see Scheduler.
func New(await time.Duration, scheduler Scheduler, flush FlushFunc) *Synchronizer {
	if scheduler == nil {
		scheduler = TimerScheduler{}
	}
	return &Synchronizer{
		await:     await,
		scheduler: scheduler,
		flush:     flush,
	}
}

// Submit handles one chunk of text that arrived on stream at time now. It is
// either flushed right away or queued until the current line is finished or
// the await window expires.
//
// A deadline that has already passed at now is processed before the new chunk,
// so chunks released by the deadline precede the chunk of this call.
func (s *Synchronizer) Submit(text string, stream tokens.ContentType, now time.Time) {
	if s.disposed || text == "" {
		return
	}
	if s.scheduled && !now.Before(s.deadline) {
		s.release(now)
	}

	if s.acceptsNow(stream, now) {
		s.emit(text, stream, now)
		if !s.lineOpen && len(s.pending) > 0 {
			s.release(now)
		}
		return
	}

	s.pending = append(s.pending, chunk{text: text, stream: stream})
	if !s.scheduled {
		s.schedule(s.lastFlush.Add(s.await))
	}
}

func (s *Synchronizer) acceptsNow(stream tokens.ContentType, now time.Time) bool {
	if !s.hasCurrent || stream == s.current {
		return true
	}
	if len(s.pending) > 0 {
		// Keep arrival order behind the queued chunks.
		return false
	}
	return !s.lineOpen || !now.Before(s.lastFlush.Add(s.await))
}

func (s *Synchronizer) emit(text string, stream tokens.ContentType, now time.Time) {
	s.current = stream
	s.hasCurrent = true
	s.lineOpen = !strings.HasSuffix(text, "\n")
	s.lastFlush = now
	s.flush(text, stream)
}

// ProcessPendingChunks flushes the queued chunks in arrival order when the
// scheduled deadline has been reached at now. It reports whether anything was
// released.
func (s *Synchronizer) ProcessPendingChunks(now time.Time) bool {
	if s.disposed || !s.scheduled || now.Before(s.deadline) {
		return false
	}
	s.release(now)
	return true
}

// Flush releases all queued chunks immediately, for example when the
// producers have terminated.
func (s *Synchronizer) Flush(now time.Time) {
	if s.disposed {
		return
	}
	s.release(now)
}

func (s *Synchronizer) release(now time.Time) {
	s.unschedule()
	batch := s.pending
	s.pending = nil
	for _, c := range batch {
		s.emit(c.text, c.stream, now)
	}
}

func (s *Synchronizer) schedule(deadline time.Time) {
	if s.scheduled {
		panic(ErrDoubleSchedule)
	}
	s.seq++
	seq := s.seq
	s.scheduled = true
	s.deadline = deadline
	s.cancel = s.scheduler.Schedule(deadline, func(now time.Time) {
		s.fire(seq, now)
	})
}

func (s *Synchronizer) fire(seq uint64, now time.Time) {
	if s.disposed || !s.scheduled || seq != s.seq {
		return
	}
	s.release(now)
}

func (s *Synchronizer) unschedule() {
	if !s.scheduled {
		return
	}
	s.seq++
	s.scheduled = false
	s.deadline = time.Time{}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Clear drops queued chunks without flushing them, cancels the deadline and
// forgets the current stream.
func (s *Synchronizer) Clear() {
	s.unschedule()
	s.pending = nil
	s.current = ""
	s.hasCurrent = false
	s.lineOpen = false
	s.lastFlush = time.Time{}
}

// Dispose clears the synchronizer and turns every later call into a no-op
func (s *Synchronizer) Dispose() {
	s.Clear()
	s.disposed = true
}

// Pending returns the number of queued chunks
func (s *Synchronizer) Pending() int {
	return len(s.pending)
}

// Deadline returns the outstanding deadline, if any
func (s *Synchronizer) Deadline() (time.Time, bool) {
	return s.deadline, s.scheduled
}

// Current returns the stream that flushed last and whether its line is open
func (s *Synchronizer) Current() (stream tokens.ContentType, lineOpen bool, ok bool) {
	return s.current, s.lineOpen, s.hasCurrent
}
