package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	cases := []struct {
		name      string
		typ       Type
		sessionID string
		payload   []byte
	}{
		{"empty session id", TypeStdout, "", []byte("hello\n")},
		{"with session id", TypeInput, "0f1e2d3c", []byte("world\n")},
		{"empty payload", TypePing, "abc", nil},
		{"resize", TypeResize, "abc", ResizePayload(120, 40)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := Encode(c.typ, c.sessionID, c.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			dec := NewDecoder()
			frames, err := dec.Feed(encoded)
			if err != nil {
				t.Fatalf("feed: %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("expected 1 frame, got %d", len(frames))
			}
			got := frames[0]
			if got.Type != c.typ {
				t.Errorf("type: got %v want %v", got.Type, c.typ)
			}
			if got.SessionID != c.sessionID {
				t.Errorf("sessionID: got %q want %q", got.SessionID, c.sessionID)
			}
			if !bytes.Equal(got.Payload, c.payload) && !(len(got.Payload) == 0 && len(c.payload) == 0) {
				t.Errorf("payload: got %v want %v", got.Payload, c.payload)
			}
		})
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	encoded, err := Encode(TypeStdout, "sess-1", []byte("the quick brown fox"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	dec := NewDecoder()
	var got []Frame
	for i := 0; i < len(encoded); i++ {
		frames, err := dec.Feed(encoded[i : i+1])
		if err != nil {
			t.Fatalf("feed byte %d: %v", i, err)
		}
		got = append(got, frames...)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 frame after full feed, got %d", len(got))
	}
	if got[0].SessionID != "sess-1" || string(got[0].Payload) != "the quick brown fox" {
		t.Fatalf("unexpected frame: %+v", got[0])
	}
}

func TestDecoderMultipleFramesInOneChunk(t *testing.T) {
	f1, _ := Encode(TypeStdout, "a", []byte("one"))
	f2, _ := Encode(TypeStdout, "b", []byte("two"))
	combined := append(append([]byte{}, f1...), f2...)

	dec := NewDecoder()
	frames, err := dec.Feed(combined)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0].SessionID != "a" || frames[1].SessionID != "b" {
		t.Fatalf("frames out of order: %+v", frames)
	}
}

func TestDecoderBadMagic(t *testing.T) {
	encoded, _ := Encode(TypeStdout, "", []byte("x"))
	encoded[0] = 0xFF

	dec := NewDecoder()
	if _, err := dec.Feed(encoded); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	huge := make([]byte, MaxPayload+1)
	if _, err := Encode(TypeStdout, "", huge); err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

func TestSubscribePayloadRoundtrip(t *testing.T) {
	p := SubscribePayload{Flags: FlagWantStdout | FlagWantEvents, SnapshotMinIntervalMs: 200, SnapshotMaxIntervalMs: 1000}
	encoded := EncodeSubscribe(p)
	decoded, err := DecodeSubscribe(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != p {
		t.Errorf("got %+v want %+v", decoded, p)
	}
	if !decoded.Flags.WantStdout() || decoded.Flags.WantSnapshots() || !decoded.Flags.WantEvents() {
		t.Errorf("unexpected flag decode: %+v", decoded.Flags)
	}
}

func TestEventExitRoundtrip(t *testing.T) {
	payload := EncodeEventExit(-1)
	ev, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != EventExit || ev.ExitCode != -1 {
		t.Errorf("got %+v", ev)
	}
}
