package outputlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"streamconsole/pkg/tokens"
)

// Reader decodes records written by Writer
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next chunk, or io.EOF after the last complete record. A
// truncated or malformed record yields a descriptive error.
func (o *Reader) Next() (Chunk, error) {
	var chunk Chunk

	stream, err := o.r.ReadString(' ')
	if err != nil {
		if errors.Is(err, io.EOF) && stream == "" {
			return chunk, io.EOF
		}
		return chunk, fmt.Errorf("reading stream: %w", unexpected(err))
	}
	chunk.Stream = tokens.ContentType(stream[:len(stream)-1])
	if !ValidStream(chunk.Stream) {
		return chunk, fmt.Errorf("invalid stream name %q", chunk.Stream)
	}

	timestamp, err := o.r.ReadString(' ')
	if err != nil {
		return chunk, fmt.Errorf("reading timestamp: %w", unexpected(err))
	}
	chunk.Timestamp, err = time.Parse(timestampLayout, timestamp[:len(timestamp)-1])
	if err != nil {
		return chunk, fmt.Errorf("parsing timestamp: %w", err)
	}

	lengthField, err := o.r.ReadString(':')
	if err != nil {
		return chunk, fmt.Errorf("reading length: %w", unexpected(err))
	}
	length, err := strconv.Atoi(lengthField[:len(lengthField)-1])
	if err != nil || length < 0 {
		return chunk, fmt.Errorf("parsing length %q: invalid", lengthField[:len(lengthField)-1])
	}

	if b, err := o.r.ReadByte(); err != nil {
		return chunk, fmt.Errorf("reading space after colon: %w", unexpected(err))
	} else if b != ' ' {
		return chunk, fmt.Errorf("expected space after colon, got %q", b)
	}

	chunk.Line = make([]byte, length)
	if _, err := io.ReadFull(o.r, chunk.Line); err != nil {
		return chunk, fmt.Errorf("reading content (%d bytes): %w", length, unexpected(err))
	}

	if b, err := o.r.ReadByte(); err != nil {
		return chunk, fmt.Errorf("reading record separator: %w", unexpected(err))
	} else if b != '\n' {
		return chunk, fmt.Errorf("expected newline separator, got %q", b)
	}

	return chunk, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Each calls fn for every chunk until the input ends, fn returns an error, or
// a malformed record is found.
func (o *Reader) Each(fn func(Chunk) error) error {
	for {
		chunk, err := o.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

// All concatenates the content of every stream. Timestamps are dropped.
func (o *Reader) All() (map[tokens.ContentType][]byte, error) {
	result := make(map[tokens.ContentType][]byte)
	err := o.Each(func(chunk Chunk) error {
		result[chunk.Stream] = append(result[chunk.Stream], chunk.Line...)
		return nil
	})
	return result, err
}
