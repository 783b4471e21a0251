package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"vtmux/internal/frame"
	"vtmux/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	store, err := session.Open(dir, session.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, DefaultConfig(), testLogger())
}

func TestCreateSubscribeReceivesSnapshotAndStdout(t *testing.T) {
	e := newTestEngine(t)

	sess, err := e.Create(CreateOptions{
		Command: []string{"sh", "-c", "sleep 0.3; printf hi; sleep 2"},
		Cols:    80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer e.Destroy(context.Background(), sess.ID)

	sub, err := e.Subscribe(sess.ID, frame.FlagWantStdout|frame.FlagWantSnapshots, 0, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var sawSnapshot, sawStdout bool
	dec := frame.NewDecoder()
	deadline := time.After(2 * time.Second)
	for !sawSnapshot || !sawStdout {
		select {
		case fr, ok := <-sub.Outbox:
			if !ok {
				t.Fatal("outbox closed unexpectedly")
			}
			frames, err := dec.Feed(fr)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			for _, f := range frames {
				switch f.Type {
				case frame.TypeSnapshotVT:
					sawSnapshot = true
				case frame.TypeStdout:
					sawStdout = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out: snapshot=%v stdout=%v", sawSnapshot, sawStdout)
		}
	}
}

func TestInputRoundtripThroughEngine(t *testing.T) {
	e := newTestEngine(t)

	sess, err := e.Create(CreateOptions{
		Command: []string{"bash", "-lc", "read x; echo got:$x"},
		Cols:    80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer e.Destroy(context.Background(), sess.ID)

	sub, err := e.Subscribe(sess.ID, frame.FlagWantStdout, 0, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := e.WriteInput(sess.ID, []byte("world\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	var got bytes.Buffer
	deadline := time.After(2 * time.Second)
	for {
		select {
		case fr, ok := <-sub.Outbox:
			if !ok {
				t.Fatal("outbox closed before readback observed")
			}
			got.Write(fr)
			if bytes.Contains(got.Bytes(), []byte("got:world")) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for readback, got so far: %q", got.String())
		}
	}
}

func TestDestroyRemovesSessionAndStopsHub(t *testing.T) {
	e := newTestEngine(t)

	sess, err := e.Create(CreateOptions{Command: []string{"sh", "-c", "sleep 5"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := e.Destroy(context.Background(), sess.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	if _, err := e.Store().Get(sess.ID); err == nil {
		t.Fatal("expected session metadata removed after destroy")
	}
	if _, err := e.Snapshot(sess.ID); err == nil {
		t.Fatal("expected snapshot lookup to fail after destroy")
	}
}
