package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vtmux/internal/vterrors"
)

// Config tunes Store's lifecycle sweep and retention of exited sessions.
type Config struct {
	// ExitedTTL is how long an exited session's directory is retained
	// before the sweep deletes it.
	ExitedTTL time.Duration
	// SweepInterval is how often the TTL sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig sets a conservative retention window and sweep cadence.
func DefaultConfig() Config {
	return Config{
		ExitedTTL:     24 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// Store is the authoritative directory of sessions. Each
// session gets a subdirectory under ControlDir holding session.json, its
// cast log, and (for externally-sourced sessions) a control socket. Store
// persists metadata, recovers state at startup, and periodically sweeps
// exited sessions past their TTL. A sqlite index caches each session's
// id/status/spawn time: List() resolves its ordering through the index,
// and recover() uses it to prune rows left behind by a session whose
// directory no longer exists. session.json always remains the source of
// truth for a session's actual content — the index is consulted, never
// trusted blindly, and every read through it falls back to the
// in-memory map (populated from session.json) if the index is
// unavailable or inconsistent.
type Store struct {
	controlDir string
	cfg        Config
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	db      *sql.DB
	watcher *fsnotify.Watcher

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates (if needed) controlDir, loads any persisted sessions,
// reconciles their liveness against the live process table, opens the
// sqlite index cache, starts the fsnotify watch and TTL sweep, and
// returns a ready Store.
func Open(controlDir string, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExitedTTL <= 0 || cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(controlDir, 0o700); err != nil {
		return nil, vterrors.Wrap(vterrors.Unknown, "session.Open: mkdir control dir", err)
	}

	st := &Store{
		controlDir: controlDir,
		cfg:        cfg,
		logger:     logger.With("component", "session.Store"),
		sessions:   make(map[string]*Session),
		stopCh:     make(chan struct{}),
	}

	if err := st.openIndex(); err != nil {
		return nil, err
	}
	if err := st.recover(); err != nil {
		st.logger.Warn("recovery scan encountered errors", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		st.logger.Warn("fsnotify unavailable, live watch disabled", "error", err)
	} else {
		st.watcher = watcher
		if err := watcher.Add(controlDir); err != nil {
			st.logger.Warn("fsnotify add failed", "error", err)
		}
		st.wg.Add(1)
		go st.watchLoop()
	}

	st.wg.Add(1)
	go st.sweepLoop()

	return st, nil
}

func (st *Store) sessionDir(id string) string {
	return filepath.Join(st.controlDir, id)
}

func (st *Store) metaPath(id string) string {
	return filepath.Join(st.sessionDir(id), "session.json")
}

// CreateOptions describes a new session's initial metadata. Fields that
// map onto engine/ptysession responsibilities (spawning the child, etc.)
// are supplied by the caller after Store.Create has reserved an id and
// directory; Store itself only ever records metadata.
type CreateOptions struct {
	Command []string
	Dir     string
	Env     map[string]string
	Cols    int
	Rows    int
	Name    string
	Source  Source
}

// Create reserves a new session id, creates its directory, and persists
// initial metadata with status StatusStarting. The caller (internal/
// engine) is responsible for actually spawning the PTY/forwarder and
// then calling SetRunning/SetExited as the lifecycle progresses.
func (st *Store) Create(opts CreateOptions) (*Session, error) {
	if len(opts.Command) == 0 {
		return nil, vterrors.New(vterrors.SpawnFailed, "session.Create: empty command")
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Source == "" {
		opts.Source = SourceInternal
	}

	id := uuid.NewString()
	dir := st.sessionDir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, vterrors.Wrap(vterrors.Unknown, "session.Create: mkdir", err)
	}

	sess := &Session{
		ID:          id,
		Command:     append([]string(nil), opts.Command...),
		Dir:         opts.Dir,
		Env:         opts.Env,
		Cols:        opts.Cols,
		Rows:        opts.Rows,
		SpawnedAt:   time.Now(),
		Status:      StatusStarting,
		CastLogPath: filepath.Join(dir, "stdout"),
		Name:        opts.Name,
		Source:      opts.Source,
	}
	if opts.Source == SourceExternal {
		sess.ControlSock = filepath.Join(dir, "ipc.sock")
	}

	if err := st.persist(sess); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()
	st.indexUpsert(sess)

	return cloneSession(sess), nil
}

func (st *Store) persist(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return vterrors.Wrap(vterrors.Unknown, "session.persist: marshal", err)
	}
	tmp := st.metaPath(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return vterrors.Wrap(vterrors.Unknown, "session.persist: write", err)
	}
	if err := os.Rename(tmp, st.metaPath(sess.ID)); err != nil {
		return vterrors.Wrap(vterrors.Unknown, "session.persist: rename", err)
	}
	return nil
}

// Get returns a copy of the current metadata for id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, vterrors.New(vterrors.SessionNotFound, "session.Get: "+id)
	}
	return cloneSession(sess), nil
}

// List returns a copy of every known session's metadata, ordered by
// spawn time. Ordering is resolved through the sqlite index when it's
// available and consistent; sessions the index doesn't (yet) know about
// — e.g. one concurrently created in another call — are appended after
// the indexed ones rather than dropped. If the index can't be queried at
// all, List falls back to plain (unordered) map iteration.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids, ok := st.indexOrderedIDs()
	if !ok {
		out := make([]*Session, 0, len(st.sessions))
		for _, sess := range st.sessions {
			out = append(out, cloneSession(sess))
		}
		return out
	}

	out := make([]*Session, 0, len(st.sessions))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if sess, ok := st.sessions[id]; ok {
			out = append(out, cloneSession(sess))
			seen[id] = true
		}
	}
	for id, sess := range st.sessions {
		if !seen[id] {
			out = append(out, cloneSession(sess))
		}
	}
	return out
}

// indexOrderedIDs queries the sqlite index for session ids ordered by
// spawn time. ok is false if the index is unavailable or the query
// fails, signaling List to fall back to unordered map iteration instead
// of trusting a half-read result.
func (st *Store) indexOrderedIDs() ([]string, bool) {
	if st.db == nil {
		return nil, false
	}
	rows, err := st.db.Query(`SELECT id FROM sessions ORDER BY spawned_at ASC`)
	if err != nil {
		st.logger.Debug("sqlite index query failed", "error", err)
		return nil, false
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			st.logger.Debug("sqlite index scan failed", "error", err)
			return nil, false
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		st.logger.Debug("sqlite index rows error", "error", err)
		return nil, false
	}
	return ids, true
}

// mutate applies fn under the store lock and persists the result. fn
// must not retain the pointer past its call.
func (st *Store) mutate(id string, fn func(*Session)) error {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return vterrors.New(vterrors.SessionNotFound, "session.mutate: "+id)
	}
	fn(sess)
	snapshot := cloneSession(sess)
	st.mu.Unlock()

	if err := st.persist(snapshot); err != nil {
		return err
	}
	st.indexUpsert(snapshot)
	return nil
}

// SetRunning transitions a session to StatusRunning and records its pid.
func (st *Store) SetRunning(id string, pid int) error {
	return st.mutate(id, func(s *Session) {
		if s.Status.CanTransitionTo(StatusRunning) {
			s.Status = StatusRunning
		}
		s.PID = &pid
	})
}

// SetExited transitions a session to StatusExited and records its exit
// code and the time of exit (used by the TTL sweep).
func (st *Store) SetExited(id string, code int) error {
	now := time.Now()
	return st.mutate(id, func(s *Session) {
		s.Status = StatusExited
		s.ExitCode = &code
		s.ExitedAt = &now
	})
}

// SetLastClearOffset records the cast log's current clear-pruning offset
// in the session's persisted metadata.
func (st *Store) SetLastClearOffset(id string, offset int64) error {
	return st.mutate(id, func(s *Session) { s.LastClearOffset = offset })
}

// Destroy removes a session's metadata and directory entirely. Callers
// must have already torn down any live PtySession/CastLog for id; Store
// only owns the persisted record.
func (st *Store) Destroy(id string) error {
	st.mu.Lock()
	_, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()
	if !ok {
		return vterrors.New(vterrors.SessionNotFound, "session.Destroy: "+id)
	}

	st.indexDelete(id)
	if err := os.RemoveAll(st.sessionDir(id)); err != nil {
		return vterrors.Wrap(vterrors.Unknown, "session.Destroy: remove dir", err)
	}
	return nil
}

// Close stops the watch and sweep goroutines and closes the index db.
func (st *Store) Close() error {
	close(st.stopCh)
	if st.watcher != nil {
		st.watcher.Close()
	}
	st.wg.Wait()
	if st.db != nil {
		return st.db.Close()
	}
	return nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	if s.Command != nil {
		cp.Command = append([]string(nil), s.Command...)
	}
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		cp.ExitCode = &code
	}
	if s.PID != nil {
		pid := *s.PID
		cp.PID = &pid
	}
	if s.ExitedAt != nil {
		t := *s.ExitedAt
		cp.ExitedAt = &t
	}
	return &cp
}

// recover scans controlDir for existing session.json files at startup,
// loading each and, for sessions that claim to still be running,
// checking whether their pid is
// actually alive — if not, the session is marked exited so it becomes
// eligible for the TTL sweep instead of lingering forever as a zombie
// record.
func (st *Store) recover() error {
	entries, err := os.ReadDir(st.controlDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var firstErr error
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(st.metaPath(ent.Name()))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if sess.Status != StatusExited && sess.PID != nil && !pidAlive(*sess.PID) {
			sess.Status = StatusExited
			now := time.Now()
			sess.ExitedAt = &now
			if err := st.persist(&sess); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		st.mu.Lock()
		st.sessions[sess.ID] = &sess
		st.mu.Unlock()
		st.indexUpsert(&sess)
	}
	st.reconcileIndex()
	return firstErr
}

// reconcileIndex deletes index rows left behind by a session whose
// session.json no longer exists on disk (e.g. a prior run crashed
// between indexUpsert and Destroy finishing its own indexDelete). Safe
// to call repeatedly; a no-op if the index is unavailable.
func (st *Store) reconcileIndex() {
	if st.db == nil {
		return
	}
	rows, err := st.db.Query(`SELECT id FROM sessions`)
	if err != nil {
		st.logger.Debug("sqlite index reconcile query failed", "error", err)
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			st.logger.Debug("sqlite index reconcile scan failed", "error", err)
			rows.Close()
			return
		}
		ids = append(ids, id)
	}
	rows.Close()

	st.mu.RLock()
	var stale []string
	for _, id := range ids {
		if _, ok := st.sessions[id]; !ok {
			stale = append(stale, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range stale {
		st.indexDelete(id)
		st.logger.Info("sqlite index: pruned row with no backing session", "id", id)
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually signaling the process.
	return proc.Signal(syscall.Signal(0)) == nil
}

// watchLoop reacts to session.json writes made by other means (e.g. an
// operator hand-editing a record, or a future multi-process deployment
// sharing one control dir) by reloading the affected session into the
// in-memory map, per the supplemented "live watch" feature.
func (st *Store) watchLoop() {
	defer st.wg.Done()
	for {
		select {
		case <-st.stopCh:
			return
		case ev, ok := <-st.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "session.json" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			st.reloadFromDisk(filepath.Dir(ev.Name))
		case err, ok := <-st.watcher.Errors:
			if !ok {
				return
			}
			st.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (st *Store) reloadFromDisk(dir string) {
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return
	}
	st.mu.Lock()
	st.sessions[sess.ID] = &sess
	st.mu.Unlock()
	st.indexUpsert(&sess)
}

// sweepLoop periodically deletes sessions that exited more than
// ExitedTTL ago.
func (st *Store) sweepLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stopCh:
			return
		case <-ticker.C:
			st.sweepOnce()
		}
	}
}

func (st *Store) sweepOnce() {
	cutoff := time.Now().Add(-st.cfg.ExitedTTL)
	var toRemove []string
	st.mu.RLock()
	for id, sess := range st.sessions {
		if sess.Status == StatusExited && sess.ExitedAt != nil && sess.ExitedAt.Before(cutoff) {
			toRemove = append(toRemove, id)
		}
	}
	st.mu.RUnlock()

	for _, id := range toRemove {
		if err := st.Destroy(id); err != nil {
			st.logger.Warn("sweep: failed to destroy expired session", "id", id, "error", err)
			continue
		}
		st.logger.Info("sweep: removed expired session", "id", id)
	}
}

// openIndex opens (creating if needed) the sqlite index cache that
// List() queries for ordering and recover() reconciles against stale
// rows; it is repopulated from session.json on every mutation and
// rebuilt wholesale on recover(). A query against it failing is not
// fatal to Store — List falls back to unordered map iteration, which
// recover() populates from disk directly.
func (st *Store) openIndex() error {
	path := filepath.Join(st.controlDir, "index.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		st.logger.Warn("sqlite index unavailable", "error", err)
		return nil
	}
	schema := `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT,
		status TEXT,
		command TEXT,
		spawned_at TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		st.logger.Warn("sqlite index schema failed, disabling index", "error", err)
		db.Close()
		return nil
	}
	st.db = db
	return nil
}

func (st *Store) indexUpsert(sess *Session) {
	if st.db == nil {
		return
	}
	cmd := fmt.Sprint(sess.Command)
	_, err := st.db.Exec(
		`INSERT INTO sessions (id, name, status, command, spawned_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, command=excluded.command, spawned_at=excluded.spawned_at`,
		sess.ID, sess.Name, string(sess.Status), cmd, sess.SpawnedAt.Format(time.RFC3339),
	)
	if err != nil {
		st.logger.Debug("sqlite index upsert failed", "error", err)
	}
}

func (st *Store) indexDelete(id string) {
	if st.db == nil {
		return
	}
	if _, err := st.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		st.logger.Debug("sqlite index delete failed", "error", err)
	}
}
