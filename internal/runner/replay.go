package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"streamconsole/internal/console"
	"streamconsole/pkg/outputlog"
	"streamconsole/pkg/streamsync"
	"streamconsole/pkg/tokens"
)

// Replay feeds recorded chunks into c with their recorded timestamps. clock
// must be the scheduler c was created with; it is advanced to each chunk so
// that held back lines are released exactly as they would have been live.
// With realtime set the original pauses between chunks are kept.
func Replay(ctx context.Context, c *console.Console, clock *streamsync.ManualScheduler, r *outputlog.Reader, realtime bool) error {
	var prev time.Time
	for {
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read recorded output: %w", err)
		}

		if realtime && !prev.IsZero() {
			if d := chunk.Timestamp.Sub(prev); d > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(d):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		prev = chunk.Timestamp

		clock.Advance(chunk.Timestamp)
		if chunk.Stream == tokens.System {
			c.Flush()
			c.Print(string(chunk.Line), tokens.System)
		} else {
			c.Submit(string(chunk.Line), chunk.Stream, chunk.Timestamp)
		}
		// Deadlines scheduled by this chunk must exist before the clock moves on
		c.Barrier()
	}
	c.Flush()
	return nil
}
