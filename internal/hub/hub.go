// Package hub implements StreamHub: per-session fan-out of
// stdout bytes and events to WebSocket subscribers, with independent
// backpressure handling per subscriber and periodic SNAPSHOT_VT cadence.
package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vtmux/internal/frame"
	"vtmux/internal/vt"
	"vtmux/internal/vterrors"
)

// Snapshotter is the narrow view of internal/vt.Emulator that Hub needs
// to produce a reattach snapshot, kept narrow so this package doesn't
// import ptysession or session and risk a dependency cycle with the
// engine package that wires all three together.
type Snapshotter interface {
	Snapshot() *vt.Snapshot
}

// Config tunes a session's subscriber backpressure and snapshot cadence.
type Config struct {
	// OutboxCap bounds each subscriber's outbound frame queue: a slow
	// consumer is isolated, never blocking others.
	OutboxCap int
	// CoalesceWatermark is the queue depth at which Hub starts dropping
	// intermediate STDOUT frames in favor of coalescing pending bytes
	// into the next send, instead of enqueuing every chunk individually.
	CoalesceWatermark int
	// HardCap is the queue depth at which a subscriber is disconnected
	// outright as unrecoverably slow.
	HardCap int
	// SnapshotTickResolution is the granularity of the single per-session
	// ticker RunSnapshotCadence drives every subscriber's own min/max
	// policy from. It must be fine enough to honor the tightest interval
	// any subscriber requests (e.g. a 200ms thumbnail policy needs a
	// resolution well under 200ms), not a per-subscriber value itself.
	SnapshotTickResolution time.Duration
}

// DefaultConfig sizes the broadcast channels for binary frames and picks
// a tick resolution fine enough for interactive-rate snapshot policies.
func DefaultConfig() Config {
	return Config{
		OutboxCap:              256,
		CoalesceWatermark:      64,
		HardCap:                240,
		SnapshotTickResolution: 50 * time.Millisecond,
	}
}

// Subscriber is one WebSocket client's view onto a session.
type Subscriber struct {
	ID        uint64
	SessionID string
	Flags     frame.SubscribeFlags
	Outbox    chan []byte

	// snapMinInterval/snapMaxInterval are this subscriber's own requested
	// SNAPSHOT_VT cadence bounds, parsed from its SUBSCRIBE frame. Both
	// zero means "never" — opt out of periodic resync entirely, relying
	// only on the initial reattach snapshot sent from Subscribe.
	snapMinInterval time.Duration
	snapMaxInterval time.Duration

	mu              sync.Mutex
	pending         []byte // coalesced encoded STDOUT frames awaiting the next drain
	dropping        bool
	lastSnapshotAt  time.Time
	lastSnapshotSeq uint64
}

// snapshotDue reports whether, given the session's current output
// sequence number seq, this subscriber's own min/max policy calls for a
// SNAPSHOT_VT to be sent now. A subscriber is "dirty" once seq has moved
// past whatever it saw at its last snapshot; a dirty subscriber is due
// once snapMinInterval has elapsed (debounce), and any subscriber with a
// positive snapMaxInterval is due regardless of dirtiness once that much
// time has elapsed (a forced heartbeat/resync even when idle).
func (sub *Subscriber) snapshotDue(now time.Time, seq uint64) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.snapMinInterval <= 0 && sub.snapMaxInterval <= 0 {
		return false
	}
	since := now.Sub(sub.lastSnapshotAt)
	if sub.snapMaxInterval > 0 && since >= sub.snapMaxInterval {
		return true
	}
	dirty := seq != sub.lastSnapshotSeq
	return dirty && since >= sub.snapMinInterval
}

func (sub *Subscriber) markSnapshotSent(now time.Time, seq uint64) {
	sub.mu.Lock()
	sub.lastSnapshotAt = now
	sub.lastSnapshotSeq = seq
	sub.mu.Unlock()
}

// enqueue delivers a pre-encoded frame to the subscriber's outbox,
// applying the backpressure policy: once hardCap frames are queued it
// reports disconnect; from coalesceAt queued frames (or a
// full outbox) STDOUT frames are coalesced into pending instead of being
// queued one by one. Non-STDOUT frames (EVENT) are never coalesced — a
// full outbox disconnects instead, since a missed event can't be
// reconstructed from later stdout the way a raster of bytes can.
func (sub *Subscriber) enqueue(payload []byte, coalesceable bool, coalesceAt, hardCap int) (dropped, disconnect bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	depth := len(sub.Outbox)
	if hardCap > 0 && depth >= hardCap {
		return false, true
	}
	if coalesceable && (sub.dropping || (coalesceAt > 0 && depth >= coalesceAt)) {
		sub.dropping = true
		sub.pending = append(sub.pending, payload...)
		return true, false
	}

	select {
	case sub.Outbox <- payload:
		return false, false
	default:
	}

	if coalesceable {
		sub.dropping = true
		sub.pending = append(sub.pending, payload...)
		return true, false
	}
	return false, true
}

// DrainCoalesced is called by the subscriber's send loop (in wsrouter)
// whenever it has room, to flush bytes accumulated while the outbox was
// saturated.
func (sub *Subscriber) DrainCoalesced() ([]byte, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.pending) == 0 {
		sub.dropping = false
		return nil, false
	}
	out := sub.pending
	sub.pending = nil
	sub.dropping = false
	return out, true
}

type sessionHub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	snapshotter Snapshotter
	lastSnap    time.Time

	// outputSeq counts PublishStdout calls for this session. It is the
	// single piece of shared state RunSnapshotCadence's one ticker reads
	// to evaluate every subscriber's own dirty/debounce policy, so stdout
	// publishing never has to know which subscribers want snapshots or
	// walk their individual cadences itself.
	outputSeq atomic.Uint64
}

// Hub is the top-level registry of per-session fan-out state.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionHub
	nextID   uint64
}

// New constructs a Hub.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{cfg: cfg, logger: logger.With("component", "hub.Hub"), sessions: make(map[string]*sessionHub)}
}

func (h *Hub) ensure(sessionID string, snap Snapshotter) *sessionHub {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh, ok := h.sessions[sessionID]
	if !ok {
		sh = &sessionHub{subscribers: make(map[uint64]*Subscriber), snapshotter: snap}
		h.sessions[sessionID] = sh
	} else if snap != nil {
		sh.snapshotter = snap
	}
	return sh
}

// Subscribe registers a new subscriber for sessionID and, if the client
// requested snapshots, immediately pushes a reattach SNAPSHOT_VT frame so
// the subscriber can render current state before any further STDOUT
// arrives. minInterval/maxInterval are this subscriber's own requested
// SNAPSHOT_VT cadence bounds (both zero disables periodic resync).
func (h *Hub) Subscribe(sessionID string, flags frame.SubscribeFlags, minInterval, maxInterval time.Duration, snap Snapshotter) (*Subscriber, error) {
	sh := h.ensure(sessionID, snap)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	sub := &Subscriber{
		ID:              id,
		SessionID:       sessionID,
		Flags:           flags,
		Outbox:          make(chan []byte, h.cfg.OutboxCap),
		snapMinInterval: minInterval,
		snapMaxInterval: maxInterval,
	}
	sub.lastSnapshotAt = time.Now()
	sub.lastSnapshotSeq = sh.outputSeq.Load()

	sh.mu.Lock()
	sh.subscribers[id] = sub
	sh.mu.Unlock()

	if flags.WantSnapshots() && sh.snapshotter != nil {
		if err := h.sendSnapshot(sh, sub); err != nil {
			h.logger.Warn("hub: initial snapshot send failed", "session", sessionID, "error", err)
		}
		sub.markSnapshotSent(time.Now(), sh.outputSeq.Load())
	}

	return sub, nil
}

// Unsubscribe removes a subscriber from its session's fan-out set.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.RLock()
	sh, ok := h.sessions[sub.SessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sh.mu.Lock()
	delete(sh.subscribers, sub.ID)
	sh.mu.Unlock()
}

// PublishStdout fans out a chunk of PTY output to every subscriber that
// requested stdout, applying each subscriber's own backpressure policy
// independently, so a slow consumer never slows down the others.
func (h *Hub) PublishStdout(sessionID string, data []byte) {
	encoded, err := frame.Encode(frame.TypeStdout, sessionID, data)
	if err != nil {
		h.logger.Warn("hub: failed to encode stdout frame", "session", sessionID, "error", err)
		return
	}

	h.mu.RLock()
	sh, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	sh.outputSeq.Add(1)

	sh.mu.RLock()
	subs := make([]*Subscriber, 0, len(sh.subscribers))
	for _, sub := range sh.subscribers {
		if sub.Flags.WantStdout() {
			subs = append(subs, sub)
		}
	}
	sh.mu.RUnlock()

	var toDisconnect []*Subscriber
	for _, sub := range subs {
		_, disconnect := sub.enqueue(encoded, true, h.cfg.CoalesceWatermark, h.cfg.HardCap)
		if disconnect {
			toDisconnect = append(toDisconnect, sub)
		}
	}
	for _, sub := range toDisconnect {
		h.disconnectSlow(sh, sub)
	}
}

// PublishEvent fans out an already-encoded EVENT frame (exit/bell/title)
// to subscribers that asked for events. Unlike STDOUT, event frames are
// never coalesced.
func (h *Hub) PublishEvent(sessionID string, encodedFrame []byte) {
	h.mu.RLock()
	sh, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	sh.mu.RLock()
	subs := make([]*Subscriber, 0, len(sh.subscribers))
	for _, sub := range sh.subscribers {
		if sub.Flags.WantEvents() {
			subs = append(subs, sub)
		}
	}
	sh.mu.RUnlock()

	var toDisconnect []*Subscriber
	for _, sub := range subs {
		_, disconnect := sub.enqueue(encodedFrame, false, h.cfg.CoalesceWatermark, h.cfg.HardCap)
		if disconnect {
			toDisconnect = append(toDisconnect, sub)
		}
	}
	for _, sub := range toDisconnect {
		h.disconnectSlow(sh, sub)
	}
}

func (h *Hub) disconnectSlow(sh *sessionHub, sub *Subscriber) {
	h.logger.Warn("hub: disconnecting slow subscriber", "session", sub.SessionID, "subscriber", sub.ID)
	sh.mu.Lock()
	delete(sh.subscribers, sub.ID)
	sh.mu.Unlock()
	errFrame, err := frame.EncodeError(sub.SessionID, vterrors.SlowConsumer, "disconnected: outbox saturated")
	if err == nil {
		select {
		case sub.Outbox <- errFrame:
		default:
		}
	}
	close(sub.Outbox)
}

func (h *Hub) sendSnapshot(sh *sessionHub, sub *Subscriber) error {
	sh.mu.RLock()
	snapper := sh.snapshotter
	sh.mu.RUnlock()
	if snapper == nil {
		return nil
	}
	snap := snapper.Snapshot()
	encoded, err := frame.Encode(frame.TypeSnapshotVT, sub.SessionID, snap.Encode())
	if err != nil {
		return err
	}
	select {
	case sub.Outbox <- encoded:
	default:
		h.logger.Warn("hub: snapshot dropped, outbox full", "session", sub.SessionID, "subscriber", sub.ID)
	}
	return nil
}

// RunSnapshotCadence drives every subscriber's own SNAPSHOT_VT cadence
// policy from a single per-session ticker, until stop is closed. One
// goroutine per session is expected to run this (started by
// internal/engine when a session becomes active) — a single timer wheel,
// not one timer per subscriber, but each subscriber's min/max bounds are
// evaluated independently on every tick so a thumbnail subscriber at
// min=200ms/max=1000ms and an interactive one at min=0/max=5000ms each
// see their own requested rate rather than one hub-wide interval.
func (h *Hub) RunSnapshotCadence(sessionID string, stop <-chan struct{}) {
	resolution := h.cfg.SnapshotTickResolution
	if resolution <= 0 {
		resolution = 50 * time.Millisecond
	}
	ticker := time.NewTicker(resolution)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			h.mu.RLock()
			sh, ok := h.sessions[sessionID]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			seq := sh.outputSeq.Load()

			sh.mu.RLock()
			subs := make([]*Subscriber, 0, len(sh.subscribers))
			for _, sub := range sh.subscribers {
				if sub.Flags.WantSnapshots() && sub.snapshotDue(now, seq) {
					subs = append(subs, sub)
				}
			}
			sh.mu.RUnlock()

			for _, sub := range subs {
				if err := h.sendSnapshot(sh, sub); err != nil {
					h.logger.Warn("hub: periodic snapshot send failed", "session", sessionID, "subscriber", sub.ID, "error", err)
					continue
				}
				sub.markSnapshotSent(now, seq)
			}
		}
	}
}

// Remove tears down a session's hub state, notifying and closing every
// subscriber's outbox (called by internal/engine on session destroy).
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	sh, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}

	sh.mu.Lock()
	subs := make([]*Subscriber, 0, len(sh.subscribers))
	for _, sub := range sh.subscribers {
		subs = append(subs, sub)
	}
	sh.subscribers = nil
	sh.mu.Unlock()

	for _, sub := range subs {
		close(sub.Outbox)
	}
}

// SubscriberCount reports the live subscriber count for sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	sh, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.subscribers)
}
