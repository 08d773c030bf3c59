package runner

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// OutputKind classifies what a process wrote to stdout
type OutputKind string

const (
	OutputText OutputKind = "text"
	// OutputBinary is data that is not meant to be read as text
	OutputBinary OutputKind = "binary"
	// OutputFullscreen comes from programs that take over the whole terminal
	OutputFullscreen OutputKind = "fullscreen"
)

// detectLimit is how much initial output is inspected
const detectLimit = 8192

var fullscreenSequences = [][]byte{
	[]byte("\x1b[?1049h"), // alternate screen buffer
	[]byte("\x1b[?1047h"),
	[]byte("\x1b[?47h"),
	[]byte("\x1b[2J"), // clear screen
	[]byte("\x1b[3J"),
}

// detector inspects the first output of a stream. It is an io.Writer so it
// can sit next to the console in an io.MultiWriter.
type detector struct {
	mu     sync.Mutex
	seen   int
	kind   OutputKind
	reason string
}

func newDetector() *detector {
	return &detector{kind: OutputText}
}

func (d *detector) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.kind != OutputText || d.seen >= detectLimit {
		return len(p), nil
	}
	sample := p
	if len(sample) > detectLimit-d.seen {
		sample = sample[:detectLimit-d.seen]
	}
	d.seen += len(sample)

	switch {
	case isBinary(sample):
		d.kind = OutputBinary
		d.reason = "null bytes or mostly non-printable characters"
	case hasFullscreenSequence(sample):
		d.kind = OutputFullscreen
		d.reason = "alternate screen or clear screen escape sequences"
	}
	return len(p), nil
}

func (d *detector) result() (OutputKind, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kind, d.reason
}

func isBinary(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	if bytes.IndexByte(p, 0) >= 0 {
		return true
	}
	nonPrintable, total := 0, 0
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		p = p[size:]
		total++
		switch {
		case r == utf8.RuneError && size == 1:
			nonPrintable++
		case r < 32 && r != '\t' && r != '\n' && r != '\r' && r != 0x1b:
			nonPrintable++
		case r >= 0x7f && r < 0xa0:
			nonPrintable++
		}
	}
	return nonPrintable*10 > total*3
}

func hasFullscreenSequence(p []byte) bool {
	if !bytes.Contains(p, []byte("\x1b[")) {
		return false
	}
	for _, seq := range fullscreenSequences {
		if bytes.Contains(p, seq) {
			return true
		}
	}
	return false
}
