// Package session implements SessionStore: the authoritative
// directory of sessions — create/list/get/destroy, session.json
// persistence, startup recovery, and TTL-based cleanup of exited
// sessions. It does not itself own a PTY, cast log, or emulator; those
// are owned by internal/engine, which is the component that actually
// wires a Session's lifecycle together (spec's PtySession/CastLog/
// VTEmulator/StreamHub pieces).
package session

import "time"

// Status is a Session's lifecycle status. Transitions only
// move forward: Starting -> Running -> Exited.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// Source tags whether a session's output comes from a PtySession this
// process spawned, or an external forwarder registered via
// ExternalIngest.
type Source string

const (
	SourceInternal Source = "internal"
	SourceExternal Source = "external"
)

// Session is the persisted metadata record for one terminal session. It is
// serialized to session.json under the session's control directory.
type Session struct {
	ID          string            `json:"id"`
	Command     []string          `json:"command"`
	Dir         string            `json:"dir"`
	Env         map[string]string `json:"env,omitempty"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
	SpawnedAt   time.Time         `json:"spawnedAt"`
	Status      Status            `json:"status"`
	ExitCode    *int              `json:"exitCode,omitempty"`
	PID         *int              `json:"pid,omitempty"`
	CastLogPath string            `json:"castLogPath"`
	ControlSock string            `json:"controlSock,omitempty"`
	LastClearOffset int64         `json:"lastClearOffset"`
	Name        string            `json:"name,omitempty"`
	Source      Source            `json:"source"`

	// ExitedAt is when the session was observed to exit, used only for
	// the TTL sweep to retain exited sessions for a configurable window
	// before destroying them.
	ExitedAt *time.Time `json:"exitedAt,omitempty"`
}

// CanTransitionTo reports whether moving from s to next is a legal
// forward-only status transition.
func (s Status) CanTransitionTo(next Status) bool {
	order := map[Status]int{StatusStarting: 0, StatusRunning: 1, StatusExited: 2}
	cur, ok := order[s]
	if !ok {
		return false
	}
	nxt, ok := order[next]
	if !ok {
		return false
	}
	return nxt >= cur
}
