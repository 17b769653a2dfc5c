package process

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestIdleReaderPassesDataThrough(t *testing.T) {
	r := NewIdleReader(context.Background(), strings.NewReader("hello world"), time.Second)
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected data %q", data)
	}
}

func TestIdleReaderSmallBuffers(t *testing.T) {
	r := NewIdleReader(context.Background(), strings.NewReader("abcdefgh"), time.Second)
	var out []byte
	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if string(out) != "abcdefgh" {
		t.Fatalf("unexpected data %q", out)
	}
}

func TestIdleReaderTimesOut(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := NewIdleReader(context.Background(), pr, 30*time.Millisecond)
	start := time.Now()
	_, err := r.Read(make([]byte, 16))
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected idle timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("idle timeout took too long")
	}

	go func() { _, _ = pw.Write([]byte("late")) }()
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || string(buf[:n]) != "late" {
		t.Fatalf("expected pending read to deliver late data, got %q (%v)", buf[:n], err)
	}
}

func TestIdleReaderStopsOnContextCause(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	cause := errors.New("job cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	r := NewIdleReader(ctx, pr, time.Minute)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(cause)
	}()

	if _, err := r.Read(make([]byte, 8)); !errors.Is(err, cause) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
}

func TestTailKeepsLastBytes(t *testing.T) {
	tl := newTail(5)
	_, _ = tl.Write([]byte("abc"))
	_, _ = tl.Write([]byte("defgh"))
	if got := tl.String(); got != "defgh" {
		t.Fatalf("expected last 5 bytes, got %q", got)
	}
}
