// Package ptysession implements PtySession: it owns one OS
// pseudo-terminal and its child process, applies a bounded stdin write
// queue with backpressure, handles resize/kill, and tracks the
// starting→running→exited state machine.
package ptysession

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"vtmux/internal/vterrors"
)

// State is the session's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// OutputFunc receives each chunk read from the PTY master. It must not
// block for long: readLoop calls it synchronously, so this session's
// reads stall for as long as it blocks (there is no time bound), and no
// bytes are dropped.
type OutputFunc func(data []byte)

// ExitFunc is invoked once, when the child is reaped.
type ExitFunc func(code int)

// SpawnFailedFunc is invoked if the child process cannot be started.
type SpawnFailedFunc func(err error)

// Options configures a new PtySession.
type Options struct {
	Command []string
	Env     []string // overlay; merged onto os.Environ()
	Dir     string
	Cols    int
	Rows    int

	// WriteQueueCap bounds the stdin write queue; when exceeded,
	// non-interactive writers are refused first (see WriteInput/WriteControl).
	WriteQueueCap int

	// GraceWindow is how long Destroy waits after SIGTERM before
	// escalating to SIGKILL.
	GraceWindow time.Duration

	OnOutput     OutputFunc
	OnExit       ExitFunc
	OnSpawnFail  SpawnFailedFunc
	Logger       *slog.Logger
}

// PtySession owns one pty + child process.
type PtySession struct {
	logger *slog.Logger

	mu    sync.Mutex
	ptmx  *os.File
	cmd   *exec.Cmd
	state atomic.Int32
	pid   int

	exitCode   int
	hasExited  bool
	graceWindow time.Duration

	// Two priority tiers for the stdin write queue: interactive
	// (WriteInput) always drains before control (WriteControl).
	interactiveCh chan []byte
	controlCh     chan []byte
	resizeCh      chan [2]int
	stopCh        chan struct{}
	stopOnce      sync.Once

	onOutput OutputFunc
	onExit   ExitFunc
}

// Spawn allocates a PTY pair and starts the child process inside it.
func Spawn(opts Options) (*PtySession, error) {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.WriteQueueCap <= 0 {
		opts.WriteQueueCap = 256
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 1500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Command) == 0 {
		return nil, vterrors.New(vterrors.SpawnFailed, "ptysession.Spawn: empty command")
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(opts.Rows), Cols: uint16(opts.Cols)})
	if err != nil {
		if opts.OnSpawnFail != nil {
			opts.OnSpawnFail(err)
		}
		return nil, vterrors.Wrap(vterrors.SpawnFailed, "ptysession.Spawn", err)
	}

	s := &PtySession{
		logger:        opts.Logger.With("pid", cmd.Process.Pid),
		ptmx:          ptmx,
		cmd:           cmd,
		pid:           cmd.Process.Pid,
		graceWindow:   opts.GraceWindow,
		interactiveCh: make(chan []byte, opts.WriteQueueCap),
		controlCh:     make(chan []byte, opts.WriteQueueCap),
		resizeCh:      make(chan [2]int, 8),
		stopCh:        make(chan struct{}),
		onOutput:      opts.OnOutput,
		onExit:        opts.OnExit,
	}
	s.state.Store(int32(StateStarting))

	go s.readLoop()
	go s.writeLoop()
	go s.resizeLoop()
	go s.waitLoop()

	// starting -> running on a short timer if no read has promoted it
	// first (on first successful read or after a short timer).
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.promoteRunning()
	}()

	return s, nil
}

func mergeEnv(base, overlay []string) []string {
	if len(overlay) == 0 {
		return base
	}
	keys := make(map[string]bool, len(overlay))
	for _, kv := range overlay {
		if i := indexByte(kv, '='); i >= 0 {
			keys[kv[:i]] = true
		}
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		if i := indexByte(kv, '='); i >= 0 && keys[kv[:i]] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, overlay...)
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (s *PtySession) promoteRunning() {
	s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
}

// State returns the current lifecycle state.
func (s *PtySession) State() State { return State(s.state.Load()) }

// PID returns the child's process id.
func (s *PtySession) PID() int { return s.pid }

// ExitCode returns the exit code and whether the child has exited.
func (s *PtySession) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.hasExited
}

// readLoop reads from the PTY master and delivers chunks to onOutput.
// Reads are never dropped: if onOutput can't keep up, this
// loop stalls for as long as onOutput blocks, which applies flow control
// to the child without blocking other sessions, since each session has
// its own goroutine.
func (s *PtySession) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.promoteRunning()
			data := make([]byte, n)
			copy(data, buf[:n])
			if s.onOutput != nil {
				s.onOutput(data)
			}
		}
		if err != nil {
			return
		}
	}
}

// WriteInput queues interactive (WebSocket INPUT) stdin bytes. These
// always take priority over WriteControl
func (s *PtySession) WriteInput(data []byte) {
	select {
	case s.interactiveCh <- data:
	default:
		s.logger.Warn("ptysession: interactive write queue full, dropping oldest control input first")
		select {
		case <-s.controlCh:
		default:
		}
		select {
		case s.interactiveCh <- data:
		default:
			s.logger.Error("ptysession: interactive write queue still full after eviction, dropping input")
		}
	}
}

// WriteControl queues non-interactive stdin bytes. When the queue is
// saturated, control input is refused first. No caller in this module
// uses it: engine.WriteInput, which serves both WebSocket INPUT frames
// and the HTTP input endpoint, goes through WriteInput.
func (s *PtySession) WriteControl(data []byte) {
	select {
	case s.controlCh <- data:
	default:
		s.logger.Warn("ptysession: control write queue full, dropping input")
	}
}

// writeLoop drains interactiveCh before controlCh, retrying on partial
// writes (EAGAIN).
func (s *PtySession) writeLoop() {
	for {
		var data []byte
		select {
		case <-s.stopCh:
			return
		case data = <-s.interactiveCh:
		default:
			select {
			case <-s.stopCh:
				return
			case data = <-s.interactiveCh:
			case data = <-s.controlCh:
			}
		}
		s.writeAll(data)
	}
}

func (s *PtySession) writeAll(data []byte) {
	for len(data) > 0 {
		n, err := s.ptmx.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if err == syscall.EAGAIN {
				time.Sleep(time.Millisecond)
				continue
			}
			s.logger.Warn("ptysession: stdin write failed", "error", err)
			return
		}
	}
}

// Resize queues a new winsize for resizeLoop to apply to the master. It
// does not wait for the resize to be applied, a request is dropped when
// the resize queue is full, and the returned error is always nil.
// Recording the resize event is left to the caller.
func (s *PtySession) Resize(cols, rows int) error {
	select {
	case s.resizeCh <- [2]int{cols, rows}:
	default:
	}
	return nil
}

func (s *PtySession) resizeLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case dims := <-s.resizeCh:
			ws := &pty.Winsize{Cols: uint16(dims[0]), Rows: uint16(dims[1])}
			if err := pty.Setsize(s.ptmx, ws); err != nil {
				s.logger.Error("ptysession: resize failed", "error", err, "cols", dims[0], "rows", dims[1])
			}
		}
	}
}

// Kill signals the child's process group.
func (s *PtySession) Kill(sig syscall.Signal) error {
	return unix.Kill(-s.pid, unix.Signal(sig))
}

// Destroy escalates SIGTERM -> grace window -> SIGKILL,
func (s *PtySession) Destroy(ctx context.Context) error {
	if err := s.Kill(syscall.SIGTERM); err != nil && s.State() != StateExited {
		s.logger.Warn("ptysession: SIGTERM failed", "error", err)
	}

	timer := time.NewTimer(s.graceWindow)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if s.State() == StateExited {
				return nil
			}
			return s.Kill(syscall.SIGKILL)
		default:
			if s.State() == StateExited {
				return nil
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// waitLoop reaps the child and transitions state to exited.
func (s *PtySession) waitLoop() {
	err := s.cmd.Wait()
	code := exitCodeFromError(err)

	s.mu.Lock()
	s.exitCode = code
	s.hasExited = true
	s.mu.Unlock()

	s.state.Store(int32(StateExited))
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.ptmx.Close()

	if s.onExit != nil {
		s.onExit(code)
	}
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// String implements fmt.Stringer for logging.
func (s *PtySession) String() string {
	return fmt.Sprintf("ptysession{pid=%d state=%s}", s.pid, s.State())
}
