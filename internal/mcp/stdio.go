package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/nugget/stepwise/internal/config"
)

// stopGrace is how long Close waits for the subprocess to exit after
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a transport that runs the MCP server as a
// subprocess and exchanges newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run (e.g. "python").
	Command string

	// Args are passed to the executable (e.g. "paint_mcp.py").
	Args []string

	// Env entries ("KEY=VALUE") are appended to the current environment.
	Env []string

	// Dir is the subprocess working directory. Empty means inherit.
	Dir string

	Logger *slog.Logger
}

// StdioTransport talks to an MCP server subprocess. Access is serialized
// by a one-slot semaphore rather than a mutex so that a caller waiting
// for its turn still honours its context deadline.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	sem    chan struct{}

	restarts atomic.Uint64

	// Guarded by sem.
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
}

// NewStdioTransport creates a stdio transport. The subprocess is started
// lazily on the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// acquire takes the transport semaphore or fails with ctx's error.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; select picks randomly, so check
	// the context again and hand the slot back if it has expired.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// start launches the subprocess if it is not already running. The
// process outlives individual request contexts; it is only stopped by
// Close or after an I/O failure. Caller must hold the semaphore.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	// stderr carries the server's own logging, not protocol frames.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)

	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

type readResult struct {
	line []byte
	err  error
}

// Send writes req to the subprocess and reads frames until the response
// with the matching ID arrives. Server notifications and unrelated
// lines are skipped. Reads run on a goroutine so that ctx can interrupt
// a blocked read; an interrupted read kills the subprocess, since the
// stream position is no longer known.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP request", "frame", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	reader := t.reader
	for {
		ch := make(chan readResult, 1)
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			t.cleanup()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.cleanup()
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}
			t.logger.Log(ctx, config.LevelTrace, "MCP frame", "frame", string(res.line))

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(res.line))
				continue
			}
			if !resp.isResponse() {
				continue
			}
			if resp.ID == req.ID {
				return &resp, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "want", req.ID)
		}
	}
}

// Notify writes a notification to the subprocess.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

// Close stops the subprocess. It waits for any in-flight Send to finish.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()
	return t.stop()
}

// stop closes stdin, waits up to stopGrace for a clean exit, then kills.
// Caller must hold the semaphore.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
	}

	cmd := t.cmd
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	t.cmd, t.stdin, t.reader = nil, nil, nil
	return err
}

// Restarts reports how many subprocesses were discarded after an I/O
// failure. The replacement process has not seen the MCP handshake.
func (t *StdioTransport) Restarts() uint64 {
	return t.restarts.Load()
}

// cleanup kills the subprocess after an I/O failure so the next call
// starts a fresh one. Caller must hold the semaphore.
func (t *StdioTransport) cleanup() {
	if t.cmd != nil {
		t.restarts.Add(1)
	}
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd, t.stdin, t.reader = nil, nil, nil
}
