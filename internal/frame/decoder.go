package frame

import (
	"encoding/binary"

	"vtmux/internal/vterrors"
)

// Decoder assembles complete frames out of a byte stream delivered in
// arbitrary-sized chunks (one WebSocket message may not align with one
// frame, and a length-prefixed socket read may deliver partial frames).
// Feed() may be called with any slice size, including one byte at a time.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a Decoder with an empty internal buffer.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends data to the internal buffer and returns every whole frame
// that can now be extracted. The internal buffer retains any trailing
// partial frame for the next call. A malformed magic/version or an
// oversize payload returns a *vterrors.Error (BadFrame or FrameTooLarge);
// callers must treat this as fatal for the connection.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	d.buf = append(d.buf, data...)

	var out []Frame
	for {
		f, n, err := tryDecodeOne(d.buf)
		if err != nil {
			return out, err
		}
		if n == 0 {
			break // not enough buffered data yet
		}
		out = append(out, f)
		d.buf = d.buf[n:]
	}
	return out, nil
}

// tryDecodeOne attempts to decode a single frame from the front of buf.
// It returns (frame, bytesConsumed, err). bytesConsumed == 0 with a nil
// error means "need more data".
func tryDecodeOne(buf []byte) (Frame, int, error) {
	if len(buf) < headerFixedLen {
		return Frame{}, 0, nil
	}

	magic := binary.LittleEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Frame{}, 0, vterrors.New(vterrors.BadFrame, "frame.decode: bad magic")
	}
	version := buf[2]
	if version != Version {
		return Frame{}, 0, vterrors.New(vterrors.BadFrame, "frame.decode: unsupported version")
	}
	typ := Type(buf[3])
	sidLen := binary.LittleEndian.Uint32(buf[4:8])

	// sessionIdLen is attacker/peer controlled; bound it before using it as
	// a slice length so a truncated/forged header can't claim an absurd
	// length and force an unbounded "need more data" wait.
	if sidLen > MaxPayload {
		return Frame{}, 0, vterrors.New(vterrors.BadFrame, "frame.decode: sessionIdLen too large")
	}

	// sessionId starts right after the u32 sessionIdLen field (offset 8);
	// the u32 payloadLen follows it.
	const sidOff = 8
	needForSid := sidOff + int(sidLen)
	if len(buf) < needForSid+4 {
		return Frame{}, 0, nil
	}

	payloadLenOff := needForSid
	payloadLen := binary.LittleEndian.Uint32(buf[payloadLenOff : payloadLenOff+4])
	if payloadLen > MaxPayload {
		return Frame{}, 0, vterrors.New(vterrors.FrameTooLarge, "frame.decode: payload exceeds cap")
	}

	total := payloadLenOff + 4 + int(payloadLen)
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	sessionID := string(buf[sidOff:needForSid])
	payloadStart := payloadLenOff + 4
	payload := make([]byte, payloadLen)
	copy(payload, buf[payloadStart:total])

	return Frame{Type: typ, SessionID: sessionID, Payload: payload}, total, nil
}
