// Package frame implements the v3 binary multiplexed-stream wire format:
// encode/decode of the fixed frame header plus a streaming decoder that
// assembles whole frames out of partial reads.
package frame

import (
	"encoding/binary"
	"fmt"

	"vtmux/internal/vterrors"
)

const (
	Magic   uint16 = 0x5654 // "VT"
	Version uint8  = 3

	// MaxPayload is the hard cap on a single frame's payload.
	MaxPayload = 10 * 1024 * 1024

	// headerFixedLen is magic+version+type+sessionIdLen+payloadLen, before
	// the variable-length sessionId and payload.
	headerFixedLen = 2 + 1 + 1 + 4 + 4
)

// Type identifies a frame's message kind.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeWelcome
	TypeSubscribe
	TypeUnsubscribe
	TypeStdout
	TypeSnapshotVT
	TypeInput
	TypeResize
	TypeKill
	TypeEvent
	TypePing
	TypePong
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeWelcome:
		return "WELCOME"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeUnsubscribe:
		return "UNSUBSCRIBE"
	case TypeStdout:
		return "STDOUT"
	case TypeSnapshotVT:
		return "SNAPSHOT_VT"
	case TypeInput:
		return "INPUT"
	case TypeResize:
		return "RESIZE"
	case TypeKill:
		return "KILL"
	case TypeEvent:
		return "EVENT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Frame is one decoded v3 frame.
type Frame struct {
	Type      Type
	SessionID string
	Payload   []byte
}

// errorCodes maps a vterrors.Kind onto the u16 ERROR frame code. Codes are
// stable within a server build; they are not part of the wire contract's
// numeric identity beyond round-tripping through EncodeError/DecodeError.
var errorCodes = map[vterrors.Kind]uint16{
	vterrors.BadFrame:         1,
	vterrors.FrameTooLarge:    2,
	vterrors.UnknownType:      3,
	vterrors.Unauthorized:     4,
	vterrors.SessionNotFound:  5,
	vterrors.SessionGone:      6,
	vterrors.SpawnFailed:      7,
	vterrors.PtyIO:            8,
	vterrors.CastIO:           9,
	vterrors.SlowConsumer:     10,
	vterrors.ResourceExhausted: 11,
}

var codeToKind = func() map[uint16]vterrors.Kind {
	m := make(map[uint16]vterrors.Kind, len(errorCodes))
	for k, v := range errorCodes {
		m[v] = k
	}
	return m
}()

// ErrorCode returns the wire code for kind, or 0 if unmapped.
func ErrorCode(kind vterrors.Kind) uint16 { return errorCodes[kind] }

// KindForCode reverses ErrorCode.
func KindForCode(code uint16) vterrors.Kind { return codeToKind[code] }

// Encode serializes a single frame: header + sessionId + payload.
func Encode(typ Type, sessionID string, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, vterrors.New(vterrors.FrameTooLarge, "frame.Encode")
	}
	sid := []byte(sessionID)
	buf := make([]byte, headerFixedLen+len(sid)+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(typ)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(sid)))
	off := 8
	copy(buf[off:], sid)
	off += len(sid)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(payload)))
	off += 4
	copy(buf[off:], payload)
	return buf, nil
}

// EncodeError builds an ERROR frame payload (u16 code, UTF-8 message) and
// encodes it as a frame, optionally scoped to a session.
func EncodeError(sessionID string, kind vterrors.Kind, message string) ([]byte, error) {
	payload := make([]byte, 2+len(message))
	binary.LittleEndian.PutUint16(payload[0:2], ErrorCode(kind))
	copy(payload[2:], message)
	return Encode(TypeError, sessionID, payload)
}

// DecodeError parses an ERROR frame's payload.
func DecodeError(payload []byte) (vterrors.Kind, string, error) {
	if len(payload) < 2 {
		return vterrors.Unknown, "", fmt.Errorf("error payload too short: %d bytes", len(payload))
	}
	code := binary.LittleEndian.Uint16(payload[0:2])
	return KindForCode(code), string(payload[2:]), nil
}

// ResizePayload encodes a RESIZE frame payload: u32 cols, u32 rows.
func ResizePayload(cols, rows uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], cols)
	binary.LittleEndian.PutUint32(buf[4:8], rows)
	return buf
}

// DecodeResize parses a RESIZE frame payload.
func DecodeResize(payload []byte) (cols, rows uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("resize payload too short: %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint32(payload[0:4]), binary.LittleEndian.Uint32(payload[4:8]), nil
}

// SubscribeFlags are the bits of a SUBSCRIBE payload's u32 flags field.
type SubscribeFlags uint32

const (
	FlagWantStdout SubscribeFlags = 1 << iota
	FlagWantSnapshots
	FlagWantEvents
)

func (f SubscribeFlags) WantStdout() bool    { return f&FlagWantStdout != 0 }
func (f SubscribeFlags) WantSnapshots() bool { return f&FlagWantSnapshots != 0 }
func (f SubscribeFlags) WantEvents() bool    { return f&FlagWantEvents != 0 }

// SubscribePayload is the decoded SUBSCRIBE frame payload.
type SubscribePayload struct {
	Flags                 SubscribeFlags
	SnapshotMinIntervalMs uint32
	SnapshotMaxIntervalMs uint32
}

// EncodeSubscribe serializes a SUBSCRIBE frame payload.
func EncodeSubscribe(p SubscribePayload) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Flags))
	binary.LittleEndian.PutUint32(buf[4:8], p.SnapshotMinIntervalMs)
	binary.LittleEndian.PutUint32(buf[8:12], p.SnapshotMaxIntervalMs)
	return buf
}

// DecodeSubscribe parses a SUBSCRIBE frame payload.
func DecodeSubscribe(payload []byte) (SubscribePayload, error) {
	if len(payload) < 12 {
		return SubscribePayload{}, fmt.Errorf("subscribe payload too short: %d bytes", len(payload))
	}
	return SubscribePayload{
		Flags:                 SubscribeFlags(binary.LittleEndian.Uint32(payload[0:4])),
		SnapshotMinIntervalMs: binary.LittleEndian.Uint32(payload[4:8]),
		SnapshotMaxIntervalMs: binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

// EventKind tags an EVENT frame's payload shape.
type EventKind uint8

const (
	EventExit EventKind = iota + 1
	EventBell
	EventTitle
)

// EncodeEventExit builds an EVENT{exit(code)} payload.
func EncodeEventExit(code int32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(EventExit)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(code))
	return buf
}

// EncodeEventBell builds an EVENT{bell} payload.
func EncodeEventBell() []byte {
	return []byte{byte(EventBell)}
}

// EncodeEventTitle builds an EVENT{title(text)} payload.
func EncodeEventTitle(title string) []byte {
	buf := make([]byte, 1+len(title))
	buf[0] = byte(EventTitle)
	copy(buf[1:], title)
	return buf
}

// DecodedEvent is the parsed form of an EVENT frame payload.
type DecodedEvent struct {
	Kind     EventKind
	ExitCode int32
	Title    string
}

// DecodeEvent parses an EVENT frame payload.
func DecodeEvent(payload []byte) (DecodedEvent, error) {
	if len(payload) < 1 {
		return DecodedEvent{}, fmt.Errorf("event payload empty")
	}
	kind := EventKind(payload[0])
	switch kind {
	case EventExit:
		if len(payload) < 5 {
			return DecodedEvent{}, fmt.Errorf("exit event payload too short")
		}
		return DecodedEvent{Kind: kind, ExitCode: int32(binary.LittleEndian.Uint32(payload[1:5]))}, nil
	case EventBell:
		return DecodedEvent{Kind: kind}, nil
	case EventTitle:
		return DecodedEvent{Kind: kind, Title: string(payload[1:])}, nil
	default:
		return DecodedEvent{}, fmt.Errorf("unknown event kind %d", kind)
	}
}
