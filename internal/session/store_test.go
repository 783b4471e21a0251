package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateGetListDestroy(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	sess, err := st.Create(CreateOptions{Command: []string{"sh", "-c", "true"}, Name: "demo"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != StatusStarting {
		t.Fatalf("expected starting status, got %s", sess.Status)
	}

	if _, err := os.Stat(filepath.Join(dir, sess.ID, "session.json")); err != nil {
		t.Fatalf("session.json not written: %v", err)
	}

	got, err := st.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "demo" {
		t.Fatalf("expected name demo, got %q", got.Name)
	}

	list := st.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list))
	}

	if err := st.SetRunning(sess.ID, 12345); err != nil {
		t.Fatalf("set running: %v", err)
	}
	got, _ = st.Get(sess.ID)
	if got.Status != StatusRunning || got.PID == nil || *got.PID != 12345 {
		t.Fatalf("unexpected state after SetRunning: %+v", got)
	}

	if err := st.SetExited(sess.ID, 0); err != nil {
		t.Fatalf("set exited: %v", err)
	}
	got, _ = st.Get(sess.ID)
	if got.Status != StatusExited || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("unexpected state after SetExited: %+v", got)
	}

	if err := st.Destroy(sess.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := st.Get(sess.ID); err == nil {
		t.Fatal("expected error getting destroyed session")
	}
	if _, err := os.Stat(filepath.Join(dir, sess.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected session dir removed, stat err = %v", err)
	}
}

func TestRecoverMarksDeadPidExited(t *testing.T) {
	dir := t.TempDir()

	// Simulate a prior process's leftover session.json claiming a pid
	// that cannot possibly be alive.
	sessDir := filepath.Join(dir, "stale-session")
	if err := os.MkdirAll(sessDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	pid := 999999
	stale := `{"id":"stale-session","command":["sh"],"status":"running","pid":` +
		"999999" + `,"spawnedAt":"2026-01-01T00:00:00Z","source":"internal"}`
	if err := os.WriteFile(filepath.Join(sessDir, "session.json"), []byte(stale), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := Open(dir, DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	got, err := st.Get("stale-session")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusExited {
		t.Fatalf("expected recovered session marked exited, got %s (pid %d)", got.Status, pid)
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ExitedTTL: 10 * time.Millisecond, SweepInterval: 20 * time.Millisecond}
	st, err := Open(dir, cfg, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	sess, err := st.Create(CreateOptions{Command: []string{"sh", "-c", "true"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.SetExited(sess.ID, 0); err != nil {
		t.Fatalf("set exited: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.Get(sess.ID); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expired session was never swept")
}

// TestListOrdersThroughIndex creates several sessions with distinct
// spawn times and checks List() returns them in that order, which can
// only happen if List actually resolved its ordering through the sqlite
// index's spawned_at column rather than map iteration.
func TestListOrdersThroughIndex(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if st.db == nil {
		t.Skip("sqlite index unavailable in this environment")
	}

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := st.Create(CreateOptions{Command: []string{"sh", "-c", "true"}, Name: fmt.Sprintf("s%d", i)})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		// Force a strictly increasing spawned_at so ordering is unambiguous
		// even on filesystems/clocks with coarse resolution.
		st.mu.Lock()
		st.sessions[sess.ID].SpawnedAt = time.Now().Add(time.Duration(i) * time.Second)
		st.mu.Unlock()
		st.indexUpsert(st.sessions[sess.ID])
		ids = append(ids, sess.ID)
	}

	list := st.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	for i, sess := range list {
		if sess.ID != ids[i] {
			t.Fatalf("index %d: expected %s, got %s (order not resolved through index)", i, ids[i], sess.ID)
		}
	}
}

// TestReconcileIndexPrunesOrphanRows simulates a crash between a
// session's Destroy() removing its directory and its indexDelete
// running, by upserting an index row with no backing session.json, then
// checks recover() (via reconcileIndex) prunes it.
func TestReconcileIndexPrunesOrphanRows(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if st.db == nil {
		t.Skip("sqlite index unavailable in this environment")
	}

	orphan := &Session{ID: "orphan-session", Command: []string{"sh"}, Status: StatusExited, SpawnedAt: time.Now()}
	st.indexUpsert(orphan)

	if ids, ok := st.indexOrderedIDs(); !ok || !containsID(ids, "orphan-session") {
		t.Fatalf("expected orphan row present before reconcile, ids=%v ok=%v", ids, ok)
	}

	st.reconcileIndex()

	ids, ok := st.indexOrderedIDs()
	if !ok {
		t.Fatal("index query failed after reconcile")
	}
	if containsID(ids, "orphan-session") {
		t.Fatalf("expected orphan row pruned, still present in %v", ids)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
