// Package console ties a typed buffer and a stream synchronizer together.
// Every mutation runs on one goroutine owned by the Console; producers only
// post work to it, readers get immutable snapshots.
package console

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"streamconsole/pkg/streamsync"
	"streamconsole/pkg/tokens"
	"streamconsole/pkg/typedbuffer"
)

type Options struct {
	Buffer typedbuffer.Options
	// Await is how long other streams wait for an unfinished line
	Await time.Duration
	// Scheduler defaults to wall clock timers
	Scheduler streamsync.Scheduler
}

// Listener is notified on the console goroutine, in flush order. Listeners
// must not call back into the Console synchronously.
type Listener interface {
	TextAdded(text string, ct tokens.ContentType)
	TextRemoved(start, end int)
	Cleared()
}

// Snapshot is an immutable copy of the console content
type Snapshot struct {
	Text     string               `json:"text"`
	Blocks   []string             `json:"blocks"`
	Tokens   []tokens.Token       `json:"tokens"`
	Types    []tokens.ContentType `json:"types"`
	Overflow int                  `json:"overflow"`
}

type Console struct {
	buffer *typedbuffer.Buffer
	sync   *streamsync.Synchronizer
	now    func() time.Time

	ops  chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	final     Snapshot

	// owned by the loop goroutine
	listeners   map[int]Listener
	nextID      int
	overflowing bool
}

// New starts the console goroutine. Close stops it.
func New(opts Options) (*Console, error) {
	buffer, err := typedbuffer.New(opts.Buffer)
	if err != nil {
		return nil, err
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = streamsync.TimerScheduler{}
	}

	c := &Console{
		buffer:    buffer,
		now:       time.Now,
		ops:       make(chan func(), 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		listeners: make(map[int]Listener),
	}
	if clock, ok := scheduler.(interface{ Now() time.Time }); ok {
		c.now = clock.Now
	}
	c.sync = streamsync.New(opts.Await, loopScheduler{inner: scheduler, post: c.post}, c.flush)

	go c.loop()
	return c, nil
}

func (c *Console) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post queues fn on the console goroutine. It reports false once the console
// is closed.
func (c *Console) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ops <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the console goroutine and waits for it
func (c *Console) call(fn func()) bool {
	finished := make(chan struct{})
	if !c.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-c.done:
		return false
	}
}

// loopScheduler delivers deadline fires on the console goroutine
type loopScheduler struct {
	inner streamsync.Scheduler
	post  func(func()) bool
}

func (s loopScheduler) Schedule(deadline time.Time, fire func(now time.Time)) func() {
	return s.inner.Schedule(deadline, func(now time.Time) {
		s.post(func() { fire(now) })
	})
}

// Submit passes a chunk of stream through the synchronizer. "\r\n" is
// normalised to "\n".
func (c *Console) Submit(text string, stream tokens.ContentType, at time.Time) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	c.post(func() {
		c.sync.Submit(text, stream, at)
	})
}

// Print appends text directly, bypassing stream synchronization
func (c *Console) Print(text string, ct tokens.ContentType) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	c.post(func() {
		c.flush(text, ct)
	})
}

func (c *Console) flush(text string, ct tokens.ContentType) {
	err := c.buffer.Print(text, ct)
	var overflow *typedbuffer.OverflowError
	switch {
	case errors.As(err, &overflow):
		if !c.overflowing {
			slog.Warn("Console buffer above capacity, keeping protected content",
				"shortfall", overflow.Shortfall, "capacity", overflow.Capacity)
		}
		c.overflowing = true
	case err != nil:
		slog.Error("Failed to print to console buffer", "error", err)
	default:
		c.overflowing = false
	}
	for _, l := range c.listeners {
		l.TextAdded(text, ct)
	}
}

// Delete removes already displayed text in [start, end)
func (c *Console) Delete(start, end int) {
	c.post(func() {
		c.buffer.Remove(start, end)
		for _, l := range c.listeners {
			l.TextRemoved(start, end)
		}
	})
}

// Flush releases chunks held back by the synchronizer and waits until they
// reached the buffer.
func (c *Console) Flush() {
	c.call(func() {
		c.sync.Flush(c.now())
	})
}

// Barrier waits until everything posted before it has run
func (c *Console) Barrier() {
	c.call(func() {})
}

// Clear empties the buffer and drops held back chunks without printing them
func (c *Console) Clear() {
	c.call(func() {
		c.sync.Clear()
		c.buffer.Clear()
		c.overflowing = false
		for _, l := range c.listeners {
			l.Cleared()
		}
	})
}

// Subscribe registers l and returns a function that removes it
func (c *Console) Subscribe(l Listener) (unsubscribe func()) {
	var id int
	c.call(func() {
		id = c.nextID
		c.nextID++
		c.listeners[id] = l
	})
	return func() {
		c.call(func() {
			delete(c.listeners, id)
		})
	}
}

// Snapshot returns the current content. After Close it returns the content
// at the time the console was closed.
func (c *Console) Snapshot() Snapshot {
	var snap Snapshot
	if !c.call(func() { snap = c.snapshot() }) {
		return c.final
	}
	return snap
}

func (c *Console) snapshot() Snapshot {
	return Snapshot{
		Text:     c.buffer.Text(),
		Blocks:   c.buffer.Output(),
		Tokens:   c.buffer.Tokens(),
		Types:    c.buffer.TokenTypes(),
		Overflow: c.buffer.Overflow(),
	}
}

// Close flushes held back chunks and stops the console goroutine. Later
// writes are dropped.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		c.call(func() {
			c.sync.Flush(c.now())
			c.sync.Dispose()
			c.final = c.snapshot()
		})
		close(c.quit)
		<-c.done
	})
}
