package outputlog

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"streamconsole/pkg/tokens"
)

// Writer encodes chunks of several streams into one io.Writer. A single
// goroutine owns the underlying writer, so StreamWriters may be used from
// different goroutines.
type Writer struct {
	chunks chan Chunk
	done   chan struct{}

	mu     sync.Mutex // guards closed and sends on chunks
	closed bool

	errMu sync.Mutex
	err   error
}

// NewWriter starts the goroutine that writes to w. Call Close to stop it.
func NewWriter(w io.Writer) *Writer {
	o := &Writer{
		chunks: make(chan Chunk, 100),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(o.done)
		for chunk := range o.chunks {
			if _, err := w.Write(FormatChunk(chunk)); err != nil {
				o.errMu.Lock()
				if o.err == nil {
					o.err = err
					slog.Error("Failed to write output log", "error", err)
				}
				o.errMu.Unlock()
			}
		}
	}()
	return o
}

// Write queues one chunk. Chunks with an invalid stream name are rejected.
func (o *Writer) Write(chunk Chunk) error {
	if !ValidStream(chunk.Stream) {
		return fmt.Errorf("invalid stream name %q", chunk.Stream)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return io.ErrClosedPipe
	}
	o.chunks <- chunk
	return nil
}

// StreamWriter returns an io.Writer whose writes become chunks of stream,
// stamped with the current time.
func (o *Writer) StreamWriter(stream tokens.ContentType) io.Writer {
	return &streamWriter{stream: stream, out: o}
}

// Close waits until all queued chunks are written and returns the first
// write error, if any.
func (o *Writer) Close() error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.chunks)
	}
	o.mu.Unlock()

	<-o.done

	o.errMu.Lock()
	defer o.errMu.Unlock()
	return o.err
}

type streamWriter struct {
	stream tokens.ContentType
	out    *Writer
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	err := sw.out.Write(Chunk{
		Stream:    sw.stream,
		Timestamp: time.Now().UTC(),
		Line:      append([]byte(nil), p...),
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
