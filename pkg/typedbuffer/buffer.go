// Package typedbuffer implements a capacity bounded text buffer that tags
// every character with the content type that produced it.
//
// Text is kept as a list of blocks of at most UnitSize runes so that a run of
// leading characters can be dropped without copying the rest of the buffer.
// When the buffer grows beyond its capacity the oldest unprotected content is
// evicted. Content of a protected type is never evicted; the buffer reaches
// past it and removes younger unprotected content instead.
//
// A Buffer is not safe for concurrent use.
package typedbuffer

import (
	"errors"
	"fmt"
	"strings"

	"streamconsole/pkg/tokens"
)

var (
	ErrInvalidCapacity = errors.New("typedbuffer: capacity must be positive")
	ErrInvalidUnitSize = errors.New("typedbuffer: unit size must be positive")

	// ErrProtectedOverflow is wrapped by OverflowError
	ErrProtectedOverflow = errors.New("typedbuffer: not enough unprotected content to evict")
)

// OverflowError reports that eviction could not bring the buffer back to its
// capacity without dropping protected content. The buffer keeps the content
// and stays above capacity by Shortfall characters.
type OverflowError struct {
	Shortfall int
	Length    int
	Capacity  int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%v: %d characters over capacity %d (length %d)", ErrProtectedOverflow, e.Shortfall, e.Capacity, e.Length)
}

func (e *OverflowError) Unwrap() error {
	return ErrProtectedOverflow
}

// Options configures a Buffer. All values are fixed for the buffer's lifetime.
type Options struct {
	Capacity  int                  // maximum number of characters
	UnitSize  int                  // maximum number of characters per block
	Protected []tokens.ContentType // content types never dropped by eviction
}

type Buffer struct {
	capacity  int
	unitSize  int
	protected map[tokens.ContentType]struct{}

	blocks [][]rune
	length int
	tokens []tokens.Token
}

// New creates an empty buffer
func New(opts Options) (*Buffer, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, opts.Capacity)
	}
	if opts.UnitSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidUnitSize, opts.UnitSize)
	}
	protected := make(map[tokens.ContentType]struct{}, len(opts.Protected))
	for _, ct := range opts.Protected {
		protected[ct] = struct{}{}
	}
	return &Buffer{
		capacity:  opts.Capacity,
		unitSize:  opts.UnitSize,
		protected: protected,
	}, nil
}

// Print appends text tagged with ct and evicts old content when the buffer
// exceeds its capacity. The text is always stored; an *OverflowError is
// returned when protected content keeps the buffer above capacity.
func (b *Buffer) Print(text string, ct tokens.ContentType) error {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	b.appendRunes(runes)
	b.tokens = tokens.Append(b.tokens, ct, len(runes))

	if b.length > b.capacity {
		return b.evict(b.length - b.capacity)
	}
	return nil
}

func (b *Buffer) appendRunes(runes []rune) {
	b.length += len(runes)
	for len(runes) > 0 {
		last := len(b.blocks) - 1
		if last < 0 || len(b.blocks[last]) >= b.unitSize {
			b.blocks = append(b.blocks, make([]rune, 0, b.unitSize))
			last++
		}
		n := min(b.unitSize-len(b.blocks[last]), len(runes))
		b.blocks[last] = append(b.blocks[last], runes[:n]...)
		runes = runes[n:]
	}
}

// IsProtected reports whether eviction skips content of type ct
func (b *Buffer) IsProtected(ct tokens.ContentType) bool {
	_, ok := b.protected[ct]
	return ok
}

// evict removes n characters, taking them from the front of each unprotected
// token, oldest token first.
func (b *Buffer) evict(n int) error {
	type span struct{ start, end int }
	var removals []span
	remaining := n
	for _, t := range b.tokens {
		if remaining == 0 {
			break
		}
		if b.IsProtected(t.Type) {
			continue
		}
		take := min(remaining, t.Len())
		removals = append(removals, span{t.Start, t.Start + take})
		remaining -= take
	}

	// Back to front, so earlier offsets stay valid.
	for i := len(removals) - 1; i >= 0; i-- {
		b.remove(removals[i].start, removals[i].end)
	}

	if remaining > 0 {
		return &OverflowError{Shortfall: remaining, Length: b.length, Capacity: b.capacity}
	}
	return nil
}

// Remove deletes the characters in [start, end), for example when an editor
// integration deletes text that is already displayed. Offsets are clamped.
func (b *Buffer) Remove(start, end int) {
	start = max(0, min(start, b.length))
	end = max(0, min(end, b.length))
	if start >= end {
		return
	}
	b.remove(start, end)
}

func (b *Buffer) remove(start, end int) {
	b.removeRunes(start, end)
	b.tokens = tokens.UpdateOnRemoval(b.tokens, start, end)
}

func (b *Buffer) removeRunes(start, end int) {
	b.length -= end - start

	if start == 0 {
		// Drop consumed blocks and trim the head of the first survivor in place.
		n := end
		i := 0
		for i < len(b.blocks) && len(b.blocks[i]) <= n {
			n -= len(b.blocks[i])
			i++
		}
		b.blocks = b.blocks[i:]
		if n > 0 {
			b.blocks[0] = b.blocks[0][n:]
		}
		return
	}

	first, firstOff := b.locate(start)
	last, lastOff := b.locate(end)

	if first == last {
		block := b.blocks[first]
		joined := make([]rune, 0, len(block)-(lastOff-firstOff))
		joined = append(joined, block[:firstOff]...)
		joined = append(joined, block[lastOff:]...)
		b.replaceBlocks(first, last+1, joined)
		return
	}

	head := b.blocks[first][:firstOff]
	var tail []rune
	if last < len(b.blocks) {
		tail = b.blocks[last][lastOff:]
	}
	end2 := min(last+1, len(b.blocks))
	if len(head)+len(tail) <= b.unitSize {
		joined := make([]rune, 0, len(head)+len(tail))
		joined = append(joined, head...)
		joined = append(joined, tail...)
		b.replaceBlocks(first, end2, joined)
		return
	}
	b.replaceBlocks(first, end2, head, tail)
}

// locate returns the block holding offset and the offset inside that block.
// An offset at the very end maps past the last block.
func (b *Buffer) locate(offset int) (int, int) {
	for i, block := range b.blocks {
		if offset < len(block) {
			return i, offset
		}
		offset -= len(block)
	}
	return len(b.blocks), 0
}

// replaceBlocks replaces blocks[from:to] with the non-empty parts
func (b *Buffer) replaceBlocks(from, to int, parts ...[]rune) {
	rest := append([][]rune(nil), b.blocks[to:]...)
	b.blocks = b.blocks[:from]
	for _, p := range parts {
		if len(p) > 0 {
			b.blocks = append(b.blocks, p)
		}
	}
	b.blocks = append(b.blocks, rest...)
}

// Clear discards all text and tokens. The protected set is kept.
func (b *Buffer) Clear() {
	b.blocks = nil
	b.tokens = nil
	b.length = 0
}

// Len returns the number of characters in the buffer
func (b *Buffer) Len() int {
	return b.length
}

// Capacity returns the configured capacity
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Overflow returns how many characters the buffer is above its capacity
func (b *Buffer) Overflow() int {
	return max(0, b.length-b.capacity)
}

// Text returns the buffer content as one string
func (b *Buffer) Text() string {
	var sb strings.Builder
	for _, block := range b.blocks {
		sb.WriteString(string(block))
	}
	return sb.String()
}

// Output returns a copy of the physical blocks
func (b *Buffer) Output() []string {
	out := make([]string, len(b.blocks))
	for i, block := range b.blocks {
		out[i] = string(block)
	}
	return out
}

// Tokens returns a copy of the token list
func (b *Buffer) Tokens() []tokens.Token {
	return tokens.Clone(b.tokens)
}

// TokenTypes returns the content types currently present
func (b *Buffer) TokenTypes() []tokens.ContentType {
	return tokens.Types(b.tokens)
}
