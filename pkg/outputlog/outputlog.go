package outputlog

import (
	"fmt"
	"regexp"
	"time"

	"streamconsole/pkg/tokens"
)

const timestampLayout = "2006-01-02T15:04:05.000000000Z"

var streamPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]{1,64}$`)

// Chunk is one write of one stream
type Chunk struct {
	Stream    tokens.ContentType
	Timestamp time.Time // UTC
	Line      []byte    // may include a trailing newline
}

// ValidStream reports whether stream can be stored in an output log
func ValidStream(stream tokens.ContentType) bool {
	return streamPattern.MatchString(string(stream))
}

// FormatChunk encodes a chunk as one record
func FormatChunk(chunk Chunk) []byte {
	timestamp := chunk.Timestamp.UTC().Format(timestampLayout)
	record := fmt.Appendf(nil, "%s %s %d: ", chunk.Stream, timestamp, len(chunk.Line))
	record = append(record, chunk.Line...)
	return append(record, '\n')
}
