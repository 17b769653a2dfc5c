package process

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailBytes = 4 * 1024

// Run executes name and returns its stdout.
func Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	stderr := newTail(stderrTailBytes)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return nil, commandError(ctx, name, err, stderr)
	}
	return stdout.Bytes(), nil
}

// Scan executes name and passes every stdout line to onLine.
func Scan(ctx context.Context, onLine func(string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := newTail(stderrTailBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s failed to start: %w", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || onLine == nil {
			continue
		}
		onLine(line)
	}
	// Drain so the child never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		return commandError(ctx, name, err, stderr)
	}
	return nil
}

// Stream is the stdout of a running command.
type Stream struct {
	name   string
	ctx    context.Context
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tail

	closeOnce sync.Once
	closeErr  error
}

// Start launches name and returns a reader over its stdout. Close releases the
// process and reports its exit status.
func Start(ctx context.Context, name string, args ...string) (*Stream, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := newTail(stderrTailBytes)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s failed to start: %w", name, err)
	}
	return &Stream{name: name, ctx: ctx, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close stops reading, waits for the process and returns its failure, if any.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdout.Close()
		if err := s.cmd.Wait(); err != nil {
			s.closeErr = commandError(s.ctx, s.name, err, s.stderr)
		}
	})
	return s.closeErr
}

// Kill terminates the process without waiting for it.
func (s *Stream) Kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func commandError(ctx context.Context, name string, err error, stderr *tail) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return fmt.Errorf("%s failed: %w: %s", name, err, msg)
}

// tail keeps the last limit bytes written to it.
type tail struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTail(limit int) *tail {
	return &tail{limit: limit}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
