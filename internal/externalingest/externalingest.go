// Package externalingest implements ExternalIngest: sessions
// whose PTY is owned by a separate process (a forwarder wrapping some
// other tool's terminal) rather than by this server. Each such session
// gets a unix control socket; the external process dials in and streams
// a small length-prefixed protocol (output chunks, resizes, exit) that
// feeds the exact same CastLog + VTEmulator + StreamHub publish path a
// PtySession's output would.
package externalingest

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"

	"vtmux/internal/engine"
	"vtmux/internal/session"
	"vtmux/internal/vterrors"
)

// Message type tags for the control-socket protocol: u8 type, u32
// length, then length bytes of payload.
const (
	MsgOutput byte = 1
	MsgResize byte = 2
	MsgExit   byte = 3
)

// maxMessage bounds a single control-socket message, independent of the
// frame package's websocket-facing MaxPayload, so a misbehaving external
// process can't exhaust memory on this side either.
const maxMessage = 16 * 1024 * 1024

// Server accepts external sessions and relays their control-socket
// traffic into the engine.
type Server struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New constructs a Server bound to eng.
func New(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{eng: eng, logger: logger.With("component", "externalingest.Server")}
}

// StartSession registers a new externally-sourced session and begins
// listening on its control socket. It returns once the socket is ready
// to accept; the external process is expected to dial in and start
// streaming immediately after receiving the session id and socket path
// back from the caller (typically the HTTP API).
func (s *Server) StartSession(opts engine.CreateOptions) (*session.Session, error) {
	sessID, publish, closeFn, err := s.eng.RegisterExternal(opts)
	if err != nil {
		return nil, err
	}
	sess, err := s.eng.Store().Get(sessID)
	if err != nil {
		return nil, err
	}
	if sess.ControlSock == "" {
		closeFn(-1)
		return nil, vterrors.New(vterrors.Unknown, "externalingest: session has no control socket path")
	}

	go s.listen(sess.ControlSock, sessID, publish, closeFn)
	return sess, nil
}

func (s *Server) listen(sockPath, sessionID string, publish func([]byte), closeFn func(int)) {
	_ = os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		s.logger.Error("externalingest: listen failed", "session", sessionID, "socket", sockPath, "error", err)
		closeFn(-1)
		return
	}
	defer ln.Close()
	defer os.Remove(sockPath)

	conn, err := ln.Accept()
	if err != nil {
		s.logger.Warn("externalingest: accept failed", "session", sessionID, "error", err)
		closeFn(-1)
		return
	}
	defer conn.Close()

	s.handleConn(conn, sessionID, publish, closeFn)
}

func (s *Server) handleConn(conn net.Conn, sessionID string, publish func([]byte), closeFn func(int)) {
	reader := bufio.NewReaderSize(conn, 64*1024)
	header := make([]byte, 5)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				s.logger.Warn("externalingest: connection read error", "session", sessionID, "error", err)
			}
			closeFn(0)
			return
		}

		typ := header[0]
		length := binary.LittleEndian.Uint32(header[1:5])
		if length > maxMessage {
			s.logger.Warn("externalingest: message exceeds cap, closing", "session", sessionID, "length", length)
			closeFn(0)
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.logger.Warn("externalingest: truncated message", "session", sessionID, "error", err)
			closeFn(0)
			return
		}

		switch typ {
		case MsgOutput:
			publish(payload)
		case MsgResize:
			if len(payload) < 8 {
				continue
			}
			cols := binary.LittleEndian.Uint32(payload[0:4])
			rows := binary.LittleEndian.Uint32(payload[4:8])
			if err := s.eng.Resize(sessionID, int(cols), int(rows)); err != nil {
				s.logger.Warn("externalingest: resize failed", "session", sessionID, "error", err)
			}
		case MsgExit:
			code := int32(0)
			if len(payload) >= 4 {
				code = int32(binary.LittleEndian.Uint32(payload[0:4]))
			}
			closeFn(int(code))
			return
		default:
			s.logger.Warn("externalingest: unknown message type, ignoring", "session", sessionID, "type", typ)
		}
	}
}
