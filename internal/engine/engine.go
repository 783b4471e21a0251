// Package engine wires PtySession, CastLog, VTEmulator, SessionStore,
// and StreamHub into one session's lifecycle: spawn, stream fan-out,
// resize/input/kill, and
// teardown. internal/session.Store stays a pure metadata index; engine
// is the coordinator that actually owns each session's live PTY, cast
// log, and emulator, and publishes output to the hub as it arrives.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"vtmux/internal/castlog"
	"vtmux/internal/frame"
	"vtmux/internal/hub"
	"vtmux/internal/ptysession"
	"vtmux/internal/session"
	"vtmux/internal/vt"
	"vtmux/internal/vterrors"
)

// Config bundles the sub-component configs engine threads through when
// creating a session.
type Config struct {
	PtyWriteQueueCap int
	PtyGraceWindow   time.Duration
	CastLog          castlog.Config
	Hub              hub.Config
}

// DefaultConfig mirrors each sub-component's own defaults.
func DefaultConfig() Config {
	return Config{
		PtyWriteQueueCap: 256,
		PtyGraceWindow:   1500 * time.Millisecond,
		CastLog:          castlog.DefaultConfig(),
		Hub:              hub.DefaultConfig(),
	}
}

// live holds the in-memory, non-persisted state for one active session.
type live struct {
	pty       *ptysession.PtySession // nil for externally-sourced sessions
	castlog   *castlog.CastLog
	emulator  *vt.Emulator
	stopSnaps chan struct{}
}

// Engine coordinates session creation, streaming, and teardown.
type Engine struct {
	store *session.Store
	hub   *hub.Hub
	cfg   Config
	logger *slog.Logger

	mu   sync.RWMutex
	live map[string]*live
}

// New constructs an Engine backed by an already-open session.Store.
func New(store *session.Store, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		hub:    hub.New(cfg.Hub, logger),
		cfg:    cfg,
		logger: logger.With("component", "engine.Engine"),
		live:   make(map[string]*live),
	}
}

// Store returns the underlying metadata index, e.g. for httpapi listing.
func (e *Engine) Store() *session.Store { return e.store }

// Hub returns the stream fan-out registry, e.g. for wsrouter.
func (e *Engine) Hub() *hub.Hub { return e.hub }

// CreateOptions describes a new internally-spawned session.
type CreateOptions struct {
	Command []string
	Dir     string
	Env     map[string]string
	Cols    int
	Rows    int
	Name    string
}

// Create spawns a new PTY-backed session end to end: reserves metadata,
// starts the child process, opens its cast log, and wires the PTY's
// output into the cast log, the VT emulator, and the stream hub, all
// from one onOutput callback: child -> PtySession -> CastLog + StreamHub
// + VTEmulator.
func (e *Engine) Create(opts CreateOptions) (*session.Session, error) {
	sess, err := e.store.Create(session.CreateOptions{
		Command: opts.Command,
		Dir:     opts.Dir,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
		Name:    opts.Name,
		Source:  session.SourceInternal,
	})
	if err != nil {
		return nil, err
	}

	cl, err := castlog.Open(sess.CastLogPath, castlog.Header{
		Width:   sess.Cols,
		Height:  sess.Rows,
		Command: fmt.Sprint(sess.Command),
	}, e.cfg.CastLog, e.logger, func(failErr error) {
		e.logger.Error("castlog failed, destroying session", "session", sess.ID, "error", failErr)
		if fr, err := frame.Encode(frame.TypeEvent, sess.ID, frame.EncodeEventExit(int32(syscall.SIGIO))); err == nil {
			e.hub.PublishEvent(sess.ID, fr)
		}
		// This runs on the cast log's writer goroutine, which Destroy's
		// CastLog.Close waits for, so Destroy must run elsewhere.
		go func() { _ = e.Destroy(context.Background(), sess.ID) }()
	})
	if err != nil {
		_ = e.store.Destroy(sess.ID)
		return nil, err
	}

	emu := vt.New(sess.Cols, sess.Rows)
	st := &live{castlog: cl, emulator: emu, stopSnaps: make(chan struct{})}

	envOverlay := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envOverlay = append(envOverlay, k+"="+v)
	}

	onOutput := func(data []byte) {
		cl.AppendOutput(data)
		emu.Ingest(data)
		e.hub.PublishStdout(sess.ID, data)
	}

	emu.OnBell(func() {
		fr, err := frame.Encode(frame.TypeEvent, sess.ID, frame.EncodeEventBell())
		if err == nil {
			e.hub.PublishEvent(sess.ID, fr)
		}
	})
	emu.OnTitle(func(title string) {
		fr, err := frame.Encode(frame.TypeEvent, sess.ID, frame.EncodeEventTitle(title))
		if err == nil {
			e.hub.PublishEvent(sess.ID, fr)
		}
	})

	onExit := func(code int) {
		cl.AppendExit(code, sess.ID)
		_ = cl.Close()
		_ = e.store.SetExited(sess.ID, code)
		_ = e.store.SetLastClearOffset(sess.ID, cl.LastClearOffset())
		fr, err := frame.Encode(frame.TypeEvent, sess.ID, frame.EncodeEventExit(int32(code)))
		if err == nil {
			e.hub.PublishEvent(sess.ID, fr)
		}
		close(st.stopSnaps)
		e.hub.Remove(sess.ID)
	}

	pty, err := ptysession.Spawn(ptysession.Options{
		Command:       opts.Command,
		Env:           envOverlay,
		Dir:           opts.Dir,
		Cols:          sess.Cols,
		Rows:          sess.Rows,
		WriteQueueCap: e.cfg.PtyWriteQueueCap,
		GraceWindow:   e.cfg.PtyGraceWindow,
		OnOutput:      onOutput,
		OnExit:        onExit,
		OnSpawnFail: func(err error) {
			e.logger.Error("session spawn failed", "session", sess.ID, "error", err)
		},
		Logger: e.logger,
	})
	if err != nil {
		_ = cl.Close()
		_ = e.store.Destroy(sess.ID)
		return nil, err
	}
	st.pty = pty
	_ = e.store.SetRunning(sess.ID, pty.PID())

	e.mu.Lock()
	e.live[sess.ID] = st
	e.mu.Unlock()

	go e.hub.RunSnapshotCadence(sess.ID, st.stopSnaps)

	updated, _ := e.store.Get(sess.ID)
	return updated, nil
}

func (e *Engine) get(id string) (*live, error) {
	e.mu.RLock()
	st, ok := e.live[id]
	e.mu.RUnlock()
	if !ok {
		return nil, vterrors.New(vterrors.SessionNotFound, "engine: "+id)
	}
	return st, nil
}

// WriteInput delivers stdin bytes, from WebSocket INPUT frames and from
// the HTTP input endpoint alike, at the PTY's interactive priority, and
// records them to the cast log for replay.
func (e *Engine) WriteInput(id string, data []byte) error {
	st, err := e.get(id)
	if err != nil {
		return err
	}
	st.castlog.AppendInput(data)
	if st.pty != nil {
		st.pty.WriteInput(data)
		return nil
	}
	return vterrors.New(vterrors.Unauthorized, "engine: input not accepted on externally-sourced session")
}

// Resize applies a new terminal size to the PTY and the emulator, and
// records a resize event in the cast log.
func (e *Engine) Resize(id string, cols, rows int) error {
	st, err := e.get(id)
	if err != nil {
		return err
	}
	st.castlog.AppendResize(cols, rows)
	st.emulator.Resize(cols, rows)
	if st.pty != nil {
		return st.pty.Resize(cols, rows)
	}
	return nil
}

// Kill sends a signal to a session's process group.
func (e *Engine) Kill(id string, sig syscall.Signal) error {
	st, err := e.get(id)
	if err != nil {
		return err
	}
	if st.pty == nil {
		return vterrors.New(vterrors.Unauthorized, "engine: kill not meaningful on externally-sourced session")
	}
	return st.pty.Kill(sig)
}

// Subscribe registers a stream-hub subscriber for id, wired to that
// session's live emulator for reattach snapshots. minInterval/maxInterval
// are the subscriber's own requested SNAPSHOT_VT cadence bounds, carried
// from the SUBSCRIBE frame through to the hub's per-subscriber policy.
func (e *Engine) Subscribe(id string, flags frame.SubscribeFlags, minInterval, maxInterval time.Duration) (*hub.Subscriber, error) {
	st, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return e.hub.Subscribe(id, flags, minInterval, maxInterval, st.emulator)
}

// Unsubscribe removes a subscriber.
func (e *Engine) Unsubscribe(sub *hub.Subscriber) { e.hub.Unsubscribe(sub) }

// Snapshot returns the current VT snapshot for id without subscribing,
// used by httpapi's GET snapshot endpoint.
func (e *Engine) Snapshot(id string) (*vt.Snapshot, error) {
	st, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return st.emulator.Snapshot(), nil
}

// Destroy tears down a session fully: kills the child with the PTY's
// grace-window escalation, closes the cast log, removes it from the
// hub, and deletes its persisted metadata and directory. Safe to call
// on an already-exited session.
func (e *Engine) Destroy(ctx context.Context, id string) error {
	e.mu.Lock()
	st, ok := e.live[id]
	delete(e.live, id)
	e.mu.Unlock()

	if ok {
		if st.pty != nil && st.pty.State() != ptysession.StateExited {
			if err := st.pty.Destroy(ctx); err != nil {
				e.logger.Warn("engine: pty destroy error", "session", id, "error", err)
			}
		}
		_ = st.castlog.Close()
		select {
		case <-st.stopSnaps:
		default:
			close(st.stopSnaps)
		}
		e.hub.Remove(id)
	}

	return e.store.Destroy(id)
}

// RegisterExternal adopts an externally-sourced session (spec's
// ExternalIngest component) into the same cast log + emulator + hub
// publish path as an internally-spawned one, without a PtySession. The
// returned publish func must be called by the ExternalIngest connection
// handler for every chunk it reads off the unix socket.
func (e *Engine) RegisterExternal(opts CreateOptions) (sessID string, publish func(data []byte), closeFn func(exitCode int), err error) {
	sess, err := e.store.Create(session.CreateOptions{
		Command: opts.Command,
		Dir:     opts.Dir,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
		Name:    opts.Name,
		Source:  session.SourceExternal,
	})
	if err != nil {
		return "", nil, nil, err
	}

	cl, err := castlog.Open(sess.CastLogPath, castlog.Header{
		Width: sess.Cols, Height: sess.Rows, Command: fmt.Sprint(sess.Command),
	}, e.cfg.CastLog, e.logger, nil)
	if err != nil {
		_ = e.store.Destroy(sess.ID)
		return "", nil, nil, err
	}

	emu := vt.New(sess.Cols, sess.Rows)
	st := &live{castlog: cl, emulator: emu, stopSnaps: make(chan struct{})}

	e.mu.Lock()
	e.live[sess.ID] = st
	e.mu.Unlock()
	_ = e.store.SetRunning(sess.ID, 0)
	go e.hub.RunSnapshotCadence(sess.ID, st.stopSnaps)

	publish = func(data []byte) {
		cl.AppendOutput(data)
		emu.Ingest(data)
		e.hub.PublishStdout(sess.ID, data)
	}
	closeFn = func(exitCode int) {
		cl.AppendExit(exitCode, sess.ID)
		_ = cl.Close()
		_ = e.store.SetExited(sess.ID, exitCode)
		fr, err := frame.Encode(frame.TypeEvent, sess.ID, frame.EncodeEventExit(int32(exitCode)))
		if err == nil {
			e.hub.PublishEvent(sess.ID, fr)
		}
		e.mu.Lock()
		delete(e.live, sess.ID)
		e.mu.Unlock()
		close(st.stopSnaps)
		e.hub.Remove(sess.ID)
	}
	return sess.ID, publish, closeFn, nil
}

// Close tears down every live session (used on server shutdown).
func (e *Engine) Close(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		if err := e.Destroy(ctx, id); err != nil {
			e.logger.Warn("engine: shutdown destroy failed", "session", id, "error", err)
		}
	}
}
