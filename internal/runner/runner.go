// Package runner starts a process and feeds its output into a console.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"streamconsole/internal/console"
	"streamconsole/pkg/outputlog"
	"streamconsole/pkg/tokens"
)

var ErrNoCommand = errors.New("no command given")

type Options struct {
	// Command is run with "sh -c". Ignored when Args is set.
	Command string
	// Args is executed directly, Args[0] being the program
	Args []string
	Dir  string
	// Env is appended to the current environment
	Env []string
	// UsePTY attaches the process to a pseudo terminal. stdout and stderr
	// arrive merged as stdout.
	UsePTY bool
	// Stdin is forwarded to the process. Without a PTY the input is also
	// shown as user input.
	Stdin io.Reader
	// Record receives a copy of every chunk, including system messages
	Record *outputlog.Writer
}

type Result struct {
	ExitCode int
	// Signal is set when the process was terminated by a signal
	Signal string
	// Output classifies the beginning of stdout
	Output OutputKind
}

// Message is the system line printed when the process is gone
func (r Result) Message() string {
	if r.Signal != "" {
		return fmt.Sprintf("Process finished with exit code %d (interrupted by signal %s)", r.ExitCode, r.Signal)
	}
	return fmt.Sprintf("Process finished with exit code %d", r.ExitCode)
}

// CommandLine returns the command as shown in the console
func (o Options) CommandLine() string {
	if len(o.Args) > 0 {
		return strings.Join(o.Args, " ")
	}
	return o.Command
}

func (o Options) command(ctx context.Context) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch {
	case len(o.Args) > 0:
		cmd = exec.CommandContext(ctx, o.Args[0], o.Args[1:]...)
	case strings.TrimSpace(o.Command) != "":
		cmd = exec.CommandContext(ctx, "sh", "-c", o.Command)
	default:
		return nil, ErrNoCommand
	}
	cmd.Dir = o.Dir
	if len(o.Env) > 0 {
		cmd.Env = append(os.Environ(), o.Env...)
	}
	return cmd, nil
}

// Run starts the process, streams its output into c and waits for it to
// exit. A non-zero exit code is reported in Result, not as an error.
func Run(ctx context.Context, c *console.Console, opts Options) (Result, error) {
	cmd, err := opts.command(ctx)
	if err != nil {
		return Result{}, err
	}

	r := &run{console: c, record: opts.Record}
	r.system(opts.CommandLine() + "\n")

	classify := newDetector()
	stdout := io.MultiWriter(r.stream(tokens.Stdout), classify)
	stderr := r.stream(tokens.Stderr)

	var wait func() error
	if opts.UsePTY {
		wait, err = r.startPTY(cmd, opts.Stdin, stdout)
	} else {
		wait, err = r.startPipes(cmd, opts.Stdin, stdout, stderr)
	}
	if err != nil {
		r.system(fmt.Sprintf("Failed to start process: %v\n", err))
		return Result{}, err
	}

	result := exitResult(wait())
	var reason string
	result.Output, reason = classify.result()
	slog.Debug("Process finished", "command", opts.CommandLine(), "exitCode", result.ExitCode, "signal", result.Signal, "output", result.Output)

	// Partial output must land before the exit message
	c.Flush()
	if result.Output != OutputText {
		slog.Warn("Process output is not plain text", "kind", result.Output, "reason", reason)
		r.system(fmt.Sprintf("\nOutput contained %s, the console shows it as plain text\n", reason))
	}
	r.system("\n" + result.Message() + "\n")
	return result, nil
}

type run struct {
	console *console.Console
	record  *outputlog.Writer

	writers []io.WriteCloser
}

func (r *run) system(text string) {
	r.console.Print(text, tokens.System)
	if r.record != nil {
		if err := r.record.Write(outputlog.Chunk{Stream: tokens.System, Timestamp: time.Now().UTC(), Line: []byte(text)}); err != nil {
			slog.Warn("Failed to record system message", "error", err)
		}
	}
}

// stream returns the writer for one output stream of the process
func (r *run) stream(stream tokens.ContentType) io.Writer {
	w := r.console.StreamWriter(stream)
	r.writers = append(r.writers, w)
	if r.record == nil {
		return w
	}
	return io.MultiWriter(w, r.record.StreamWriter(stream))
}

func (r *run) closeStreams() {
	for _, w := range r.writers {
		_ = w.Close()
	}
	r.console.Flush()
}

// startPipes starts cmd with separate stdout and stderr pipes. The returned
// function waits for the process and drains its output.
func (r *run) startPipes(cmd *exec.Cmd, stdin io.Reader, stdout, stderr io.Writer) (func() error, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	var stdinPipe io.WriteCloser
	if stdin != nil {
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	if stdinPipe != nil {
		input := r.stream(tokens.UserInput)
		go forwardInput(stdin, io.MultiWriter(input, stdinPipe), stdinPipe)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go copyStream(&wg, stdout, stdoutPipe, "stdout")
	go copyStream(&wg, stderr, stderrPipe, "stderr")

	return func() error {
		// Pipes must be drained before Wait closes them
		wg.Wait()
		err := cmd.Wait()
		r.closeStreams()
		return err
	}, nil
}

func (r *run) startPTY(cmd *exec.Cmd, stdin io.Reader, stdout io.Writer) (func() error, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start command with pty: %w", err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	if stdin != nil {
		// The terminal echoes input itself
		go forwardInput(stdin, ptmx, nil)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go copyStream(&wg, stdout, ptmx, "pty")

	return func() error {
		err := cmd.Wait()
		// Reading the master fails with EIO once the process side is closed
		wg.Wait()
		_ = ptmx.Close()
		r.closeStreams()
		return err
	}, nil
}

func copyStream(wg *sync.WaitGroup, dst io.Writer, src io.Reader, name string) {
	defer wg.Done()
	if _, err := io.Copy(dst, src); err != nil && !isClosed(err) {
		slog.Warn("Failed to read process output", "stream", name, "error", err)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

// forwardInput copies input to the process until either side is done
func forwardInput(src io.Reader, dst io.Writer, closer io.Closer) {
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	if _, err := io.Copy(dst, src); err != nil && !isClosed(err) && !errors.Is(err, syscall.EPIPE) {
		slog.Debug("Stopped forwarding input", "error", err)
	}
}

// exitResult extracts exit code and signal from the error returned by Wait.
// A process killed by a signal gets the shell convention 128+signal.
func exitResult(err error) Result {
	if err == nil {
		return Result{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{ExitCode: 1}
	}
	result := Result{ExitCode: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signal = status.Signal().String()
		result.ExitCode = 128 + int(status.Signal())
	}
	return result
}
