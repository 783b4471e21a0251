package hub

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"vtmux/internal/frame"
	"vtmux/internal/vt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSnapshotter struct{ snap *vt.Snapshot }

func (f *fakeSnapshotter) Snapshot() *vt.Snapshot { return f.snap }

func TestSubscribeDeliversInitialSnapshot(t *testing.T) {
	h := New(DefaultConfig(), testLogger())
	snap := &fakeSnapshotter{snap: &vt.Snapshot{Cols: 2, Rows: 1}}

	sub, err := h.Subscribe("sess-1", frame.FlagWantStdout|frame.FlagWantSnapshots, 0, 0, snap)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case fr := <-sub.Outbox:
		if len(fr) == 0 {
			t.Fatal("expected non-empty snapshot frame")
		}
	case <-time.After(time.Second):
		t.Fatal("expected initial snapshot frame")
	}
}

func TestPublishStdoutFanout(t *testing.T) {
	h := New(DefaultConfig(), testLogger())
	sub1, _ := h.Subscribe("sess-1", frame.FlagWantStdout, 0, 0, nil)
	sub2, _ := h.Subscribe("sess-1", frame.FlagWantEvents, 0, 0, nil) // doesn't want stdout

	h.PublishStdout("sess-1", []byte("hello"))

	select {
	case <-sub1.Outbox:
	case <-time.After(time.Second):
		t.Fatal("sub1 expected stdout frame")
	}
	select {
	case <-sub2.Outbox:
		t.Fatal("sub2 should not have received a stdout frame")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDisconnectedAtHardCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboxCap = 4
	cfg.HardCap = 4
	h := New(cfg, testLogger())
	sub, _ := h.Subscribe("sess-1", frame.FlagWantStdout, 0, 0, nil)

	for i := 0; i < 20; i++ {
		h.PublishStdout("sess-1", []byte("x"))
	}

	// The outbox should have been closed once saturated beyond capacity.
	drained := 0
	closed := false
	for {
		v, ok := <-sub.Outbox
		if !ok {
			closed = true
			break
		}
		_ = v
		drained++
		if drained > 100 {
			break
		}
	}
	if !closed {
		t.Fatal("expected subscriber outbox to be closed after disconnect")
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	h := New(DefaultConfig(), testLogger())
	sub, _ := h.Subscribe("sess-1", frame.FlagWantStdout, 0, 0, nil)
	if h.SubscriberCount("sess-1") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	h.Unsubscribe(sub)
	if h.SubscriberCount("sess-1") != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe")
	}
}

// TestSnapshotCadenceNeverFiresWhenMinMaxZero checks that a subscriber
// requesting min=0/max=0 gets only its initial reattach snapshot and no
// further periodic SNAPSHOT_VT frames, even once output keeps flowing.
func TestSnapshotCadenceNeverFiresWhenMinMaxZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotTickResolution = 5 * time.Millisecond
	h := New(cfg, testLogger())
	snap := &fakeSnapshotter{snap: &vt.Snapshot{Cols: 2, Rows: 1}}

	sub, err := h.Subscribe("sess-1", frame.FlagWantSnapshots, 0, 0, snap)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-sub.Outbox // drain the initial reattach snapshot

	stop := make(chan struct{})
	defer close(stop)
	go h.RunSnapshotCadence("sess-1", stop)

	for i := 0; i < 10; i++ {
		h.PublishStdout("sess-1", []byte("x"))
	}

	select {
	case fr := <-sub.Outbox:
		t.Fatalf("expected no periodic snapshot with min=0/max=0, got frame of len %d", len(fr))
	case <-time.After(60 * time.Millisecond):
	}
}

// TestSnapshotCadenceHonorsPerSubscriberInterval checks that two
// subscribers on the same session, with different min/max policies, each
// see snapshots at roughly their own requested rate rather than a single
// hub-wide interval.
func TestSnapshotCadenceHonorsPerSubscriberInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotTickResolution = 5 * time.Millisecond
	h := New(cfg, testLogger())
	snap := &fakeSnapshotter{snap: &vt.Snapshot{Cols: 2, Rows: 1}}

	fast, err := h.Subscribe("sess-1", frame.FlagWantSnapshots, 10*time.Millisecond, 20*time.Millisecond, snap)
	if err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}
	<-fast.Outbox

	slow, err := h.Subscribe("sess-1", frame.FlagWantSnapshots, 200*time.Millisecond, 400*time.Millisecond, snap)
	if err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	<-slow.Outbox

	stop := make(chan struct{})
	defer close(stop)
	go h.RunSnapshotCadence("sess-1", stop)

	deadline := time.After(150 * time.Millisecond)
	fastSeen := 0
loop:
	for {
		select {
		case <-fast.Outbox:
			fastSeen++
			h.PublishStdout("sess-1", []byte("x"))
		case <-slow.Outbox:
			t.Fatal("slow subscriber should not have seen a snapshot yet within 150ms at a 400ms max interval")
		case <-deadline:
			break loop
		}
	}
	if fastSeen == 0 {
		t.Fatal("expected the fast subscriber to receive at least one periodic snapshot")
	}
}
