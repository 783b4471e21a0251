// Package wsrouter implements WsRouter: the v3 binary
// multiplexed WebSocket endpoint. One connection may SUBSCRIBE to
// several sessions at once; each subscription's stream-hub output is
// fanned into the connection's single send loop, and INPUT/RESIZE/KILL
// frames are routed back to the named session via internal/engine.
package wsrouter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/crypto/bcrypt"

	"vtmux/internal/engine"
	"vtmux/internal/frame"
	"vtmux/internal/hub"
	"vtmux/internal/vterrors"
)

// Subprotocol is negotiated via Sec-WebSocket-Protocol.
const Subprotocol = "vtmux.v3"

// AuthMode selects how connections are authenticated.
type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthToken AuthMode = "token"
)

// Config tunes auth and idle-connection handling.
type Config struct {
	AuthMode AuthMode
	// TokenHash is a bcrypt hash of the accepted bearer token, checked
	// against the value supplied via ?token= or the Authorization header.
	TokenHash string
	// LocalBypassToken, if set, is compared in constant form to allow a
	// trusted local CLI wrapper to skip the bcrypt path entirely — mirrors
	//"local bypass token" for the forwarder/CLI contract.
	LocalBypassToken string

	PingInterval time.Duration
	PongTimeout  time.Duration

	SendQueueCap int
}

// DefaultConfig sets a 30s ping cadence with two missed pongs tolerated,
// idle-connection handling.
func DefaultConfig() Config {
	return Config{
		AuthMode:     AuthNone,
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		SendQueueCap: 512,
	}
}

// Router serves the multiplexed WebSocket endpoint.
type Router struct {
	engine *engine.Engine
	cfg    Config
	logger *slog.Logger
}

// New constructs a Router bound to engine.
func New(eng *engine.Engine, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{engine: eng, cfg: cfg, logger: logger.With("component", "wsrouter.Router")}
}

// ServeHTTP upgrades the connection and runs the client loop until
// disconnect. Mount at the WS endpoint path ("/ws").
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := rt.authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		rt.logger.Error("websocket accept failed", "error", err)
		return
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "subprotocol required: "+Subprotocol)
		return
	}

	c := newClient(rt, conn)
	c.run(r.Context())
}

func (rt *Router) authenticate(r *http.Request) error {
	switch rt.cfg.AuthMode {
	case "", AuthNone:
		return nil
	case AuthToken:
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
		}
		if token == "" {
			return vterrors.New(vterrors.Unauthorized, "wsrouter: missing token")
		}
		if rt.cfg.LocalBypassToken != "" && constantTimeEqual(token, rt.cfg.LocalBypassToken) {
			return nil
		}
		if rt.cfg.TokenHash == "" {
			return vterrors.New(vterrors.Unauthorized, "wsrouter: no token hash configured")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(rt.cfg.TokenHash), []byte(token)); err != nil {
			return vterrors.Wrap(vterrors.Unauthorized, "wsrouter: token mismatch", err)
		}
		return nil
	default:
		return vterrors.New(vterrors.Unauthorized, "wsrouter: unknown auth mode")
	}
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

var clientSeq struct {
	mu sync.Mutex
	n  uint64
}

func nextClientID() string {
	clientSeq.mu.Lock()
	clientSeq.n++
	n := clientSeq.n
	clientSeq.mu.Unlock()
	return fmt.Sprintf("c%d", n)
}

// client is one multiplexed connection's state: the set of sessions it
// has subscribed to, and the single send loop every subscription's
// output is funneled into.
type client struct {
	id     string
	rt     *Router
	conn   *websocket.Conn
	logger *slog.Logger

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs map[string]*hub.Subscriber // sessionID -> subscriber

	lastPong time.Time
	pongMu   sync.Mutex
}

func newClient(rt *Router, conn *websocket.Conn) *client {
	id := nextClientID()
	return &client{
		id:       id,
		rt:       rt,
		conn:     conn,
		logger:   rt.logger.With("client", id),
		sendCh:   make(chan []byte, rt.cfg.SendQueueCap),
		done:     make(chan struct{}),
		subs:     make(map[string]*hub.Subscriber),
		lastPong: time.Now(),
	}
}

func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	go c.pingLoop(ctx)

	c.readLoop(ctx)

	c.teardown()
}

func (c *client) teardown() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		c.rt.engine.Unsubscribe(sub)
	}
	c.conn.CloseNow()
}

func (c *client) readLoop(ctx context.Context) {
	dec := frame.NewDecoder()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frames, err := dec.Feed(data)
		if err != nil {
			c.sendErrorFrame("", vterrors.BadFrame, err.Error())
			return
		}
		for _, fr := range frames {
			if !c.dispatch(fr) {
				return
			}
		}
	}
}

// dispatch handles one decoded frame. It returns false if the connection
// should be torn down.
func (c *client) dispatch(fr frame.Frame) bool {
	switch fr.Type {
	case frame.TypeHello:
		welcome, err := frame.Encode(frame.TypeWelcome, "", nil)
		if err == nil {
			c.enqueue(welcome)
		}
		return true

	case frame.TypeSubscribe:
		payload, err := frame.DecodeSubscribe(fr.Payload)
		if err != nil {
			c.sendErrorFrame(fr.SessionID, vterrors.BadFrame, err.Error())
			return true
		}
		minInterval := time.Duration(payload.SnapshotMinIntervalMs) * time.Millisecond
		maxInterval := time.Duration(payload.SnapshotMaxIntervalMs) * time.Millisecond
		sub, err := c.rt.engine.Subscribe(fr.SessionID, payload.Flags, minInterval, maxInterval)
		if err != nil {
			c.sendErrorFrame(fr.SessionID, vterrors.KindOf(err), err.Error())
			return true
		}
		c.mu.Lock()
		if old, ok := c.subs[fr.SessionID]; ok {
			c.rt.engine.Unsubscribe(old)
		}
		c.subs[fr.SessionID] = sub
		c.mu.Unlock()
		go c.pumpSubscriber(sub)
		return true

	case frame.TypeUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[fr.SessionID]
		if ok {
			delete(c.subs, fr.SessionID)
		}
		c.mu.Unlock()
		if ok {
			c.rt.engine.Unsubscribe(sub)
		}
		return true

	case frame.TypeInput:
		if err := c.rt.engine.WriteInput(fr.SessionID, fr.Payload); err != nil {
			c.sendErrorFrame(fr.SessionID, vterrors.KindOf(err), err.Error())
		}
		return true

	case frame.TypeResize:
		cols, rows, err := frame.DecodeResize(fr.Payload)
		if err != nil {
			c.sendErrorFrame(fr.SessionID, vterrors.BadFrame, err.Error())
			return true
		}
		if err := c.rt.engine.Resize(fr.SessionID, int(cols), int(rows)); err != nil {
			c.sendErrorFrame(fr.SessionID, vterrors.KindOf(err), err.Error())
		}
		return true

	case frame.TypeKill:
		if err := c.rt.engine.Kill(fr.SessionID, syscall.SIGTERM); err != nil {
			c.sendErrorFrame(fr.SessionID, vterrors.KindOf(err), err.Error())
		}
		return true

	case frame.TypePong:
		c.pongMu.Lock()
		c.lastPong = time.Now()
		c.pongMu.Unlock()
		return true

	default:
		c.sendErrorFrame(fr.SessionID, vterrors.UnknownType, fmt.Sprintf("unhandled frame type %s", fr.Type))
		return true
	}
}

// pumpSubscriber forwards one subscriber's fanned-out frames into the
// connection's single send queue, flushing any bytes the hub coalesced
// while this connection was briefly behind.
func (c *client) pumpSubscriber(sub *hub.Subscriber) {
	for {
		select {
		case <-c.done:
			return
		case payload, ok := <-sub.Outbox:
			if !ok {
				return
			}
			c.enqueue(payload)
			if extra, has := sub.DrainCoalesced(); has {
				// extra is a run of already-encoded STDOUT frames.
				c.enqueue(extra)
			}
		}
	}
}

func (c *client) enqueue(data []byte) {
	select {
	case c.sendCh <- data:
	case <-c.done:
	default:
		c.logger.Warn("wsrouter: client send queue full, dropping frame")
	}
}

func (c *client) sendErrorFrame(sessionID string, kind vterrors.Kind, msg string) {
	fr, err := frame.EncodeError(sessionID, kind, msg)
	if err != nil {
		return
	}
	c.enqueue(fr)
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
				if ctx.Err() == nil {
					c.logger.Info("wsrouter: write failed, closing", "error", err)
				}
				return
			}
		}
	}
}

// pingLoop sends an application-level PING frame on a ticker cadence and
// tears the connection down if no PONG has arrived within the tolerance
// window.
func (c *client) pingLoop(ctx context.Context) {
	interval := c.rt.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := c.rt.cfg.PongTimeout
	if timeout <= 0 {
		timeout = 2 * interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fr, err := frame.Encode(frame.TypePing, "", nil)
			if err == nil {
				c.enqueue(fr)
			}
			c.pongMu.Lock()
			last := c.lastPong
			c.pongMu.Unlock()
			if time.Since(last) > timeout {
				c.logger.Warn("wsrouter: no pong within tolerance, closing idle connection")
				c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
				return
			}
		}
	}
}
