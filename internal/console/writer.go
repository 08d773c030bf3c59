package console

import (
	"io"
	"sync"
	"unicode/utf8"

	"streamconsole/pkg/tokens"
)

// StreamWriter returns a writer that submits everything written to it as
// chunks of stream, stamped with the time of the write. A multi-byte
// character split across writes is held back until it is complete; Close
// submits whatever is left.
func (c *Console) StreamWriter(stream tokens.ContentType) io.WriteCloser {
	return &streamWriter{console: c, stream: stream}
}

type streamWriter struct {
	console *Console
	stream  tokens.ContentType

	mu      sync.Mutex
	partial []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)
	n := completePrefix(data)
	if n > 0 {
		w.console.Submit(string(data[:n]), w.stream, w.console.now())
	}
	w.partial = append([]byte(nil), data[n:]...)
	return len(p), nil
}

func (w *streamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.console.Submit(string(w.partial), w.stream, w.console.now())
		w.partial = nil
	}
	return nil
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
