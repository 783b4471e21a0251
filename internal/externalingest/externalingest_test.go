package externalingest

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"vtmux/internal/engine"
	"vtmux/internal/frame"
	"vtmux/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	store, err := session.Open(dir, session.DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return engine.New(store, engine.DefaultConfig(), testLogger())
}

func writeMessage(t *testing.T, conn net.Conn, typ byte, payload []byte) {
	t.Helper()
	header := make([]byte, 5)
	header[0] = typ
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
}

func TestExternalSessionStreamsOutputToSubscriber(t *testing.T) {
	eng := newTestEngine(t)
	srv := New(eng, testLogger())

	sess, err := srv.StartSession(engine.CreateOptions{
		Command: []string{"external-tool"},
		Cols:    80, Rows: 24,
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if sess.ControlSock == "" {
		t.Fatal("expected a control socket path")
	}

	var conn net.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sess.ControlSock)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("never connected to control socket: %v", err)
	}
	defer conn.Close()

	sub, err := eng.Subscribe(sess.ID, frame.FlagWantStdout, 0, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	writeMessage(t, conn, MsgOutput, []byte("hello from external"))

	select {
	case fr := <-sub.Outbox:
		if len(fr) == 0 {
			t.Fatal("expected non-empty frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed output")
	}

	writeMessage(t, conn, MsgExit, []byte{0, 0, 0, 0})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := eng.Store().Get(sess.ID)
		if err == nil && got.Status == session.StatusExited {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never marked exited after MsgExit")
}
