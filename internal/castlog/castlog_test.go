package castlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendAndClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	cl, err := Open(path, Header{Width: 80, Height: 24, Command: "sh"}, DefaultConfig(), testLogger(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cl.AppendOutput([]byte("hello\n"))
	cl.AppendResize(120, 40)
	cl.AppendExit(0, "sess-1")

	if err := cl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines (header+3 events), got %d:\n%s", len(lines), data)
	}
	if !strings.Contains(lines[0], `"version":2`) {
		t.Errorf("header line missing version: %s", lines[0])
	}
	if !strings.Contains(lines[1], "hello") {
		t.Errorf("output line missing payload: %s", lines[1])
	}
	if !strings.Contains(lines[2], "120x40") {
		t.Errorf("resize line wrong: %s", lines[2])
	}
	if !strings.Contains(lines[3], `"exit"`) {
		t.Errorf("exit sentinel missing: %s", lines[3])
	}
}

func TestClearPruning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")
	cl, err := Open(path, Header{Width: 80, Height: 24}, DefaultConfig(), testLogger(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cl.Close()

	cl.AppendOutput([]byte("prelude text"))
	if cl.LastClearOffset() != 0 {
		t.Fatalf("expected no clear yet, got %d", cl.LastClearOffset())
	}

	preludeLen := int64(len("prelude text"))
	cl.AppendOutput([]byte("\x1b[2Jfresh screen"))
	if got := cl.LastClearOffset(); got != preludeLen {
		t.Fatalf("expected clear offset %d, got %d", preludeLen, got)
	}

	// ReattachOffset must jump forward past stale offsets.
	if got := cl.ReattachOffset(0); got != preludeLen {
		t.Fatalf("reattach from 0: got %d want %d", got, preludeLen)
	}
	if got := cl.ReattachOffset(preludeLen + 100); got != preludeLen+100 {
		t.Fatalf("reattach past clear should pass through: got %d", got)
	}
}

func TestSubscribeReceivesLiveAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")
	cl, err := Open(path, Header{Width: 80, Height: 24}, DefaultConfig(), testLogger(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cl.Close()

	ch, cancel := cl.Subscribe()
	defer cancel()

	cl.AppendOutput([]byte("live data"))

	select {
	case got := <-ch:
		if string(got) != "live data" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live append")
	}
}

func TestFailCallbackOnExhaustedRetries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")
	cfg := DefaultConfig()
	cfg.MaxWriteRetries = 1

	var failed bool
	done := make(chan struct{})
	cl, err := Open(path, Header{}, cfg, testLogger(), func(err error) {
		failed = true
		close(done)
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Force subsequent writes to fail by closing the underlying file out
	// from under the writer.
	cl.mu.Lock()
	cl.file.Close()
	cl.mu.Unlock()

	cl.AppendOutput([]byte("will fail"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onFail callback never invoked")
	}
	if !failed {
		t.Fatal("expected failed=true")
	}
}
