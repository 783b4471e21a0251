package vt

import "testing"

func TestSnapshotEncodeDecodeRoundtrip(t *testing.T) {
	s := &Snapshot{
		Cols:      4,
		Rows:      2,
		CursorRow: 1,
		CursorCol: 2,
		AttrFlags: AttrCursorVisible | AttrWrap,
		Cells: []Cell{
			{Codepoint: 'h', FG: 0xFFFFFFFF, BG: 0},
			{Codepoint: 'i', FG: 0xFFFFFFFF, BG: 0},
			{}, {},
			{}, {}, {}, {},
		},
	}

	encoded := s.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Cols != s.Cols || decoded.Rows != s.Rows {
		t.Fatalf("dims: got %dx%d want %dx%d", decoded.Cols, decoded.Rows, s.Cols, s.Rows)
	}
	if decoded.CursorRow != s.CursorRow || decoded.CursorCol != s.CursorCol {
		t.Fatalf("cursor: got (%d,%d) want (%d,%d)", decoded.CursorRow, decoded.CursorCol, s.CursorRow, s.CursorCol)
	}
	if decoded.AttrFlags != s.AttrFlags {
		t.Fatalf("attrFlags: got %b want %b", decoded.AttrFlags, s.AttrFlags)
	}
	if len(decoded.Cells) != len(s.Cells) {
		t.Fatalf("cell count: got %d want %d", len(decoded.Cells), len(s.Cells))
	}
	for i := range s.Cells {
		if decoded.Cells[i] != s.Cells[i] {
			t.Errorf("cell %d: got %+v want %+v", i, decoded.Cells[i], s.Cells[i])
		}
	}
}

func TestSnapshotBlankRunCompression(t *testing.T) {
	cells := make([]Cell, 100)
	cells[0] = Cell{Codepoint: 'x', FG: 1, BG: 2}
	s := &Snapshot{Cols: 100, Rows: 1, Cells: cells}
	encoded := s.Encode()

	// 1 literal entry (12 bytes) + 1 run-length entry (4 bytes) should be
	// far smaller than 100 literal entries (1200 bytes).
	if len(encoded) > 200 {
		t.Fatalf("expected compressed encoding, got %d bytes", len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Cells) != 100 {
		t.Fatalf("expected 100 cells after decompression, got %d", len(decoded.Cells))
	}
	if decoded.Cells[0].Codepoint != 'x' {
		t.Fatalf("first cell corrupted: %+v", decoded.Cells[0])
	}
	for i := 1; i < 100; i++ {
		if decoded.Cells[i] != (Cell{}) {
			t.Fatalf("cell %d should be blank, got %+v", i, decoded.Cells[i])
		}
	}
}

func TestDecodeRejectsMismatchedSizes(t *testing.T) {
	s := &Snapshot{Cols: 2, Rows: 2, Cells: make([]Cell, 4)}
	encoded := s.Encode()
	// Truncate the payload so the declared cell count can't be satisfied.
	truncated := encoded[:len(encoded)-2]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected error decoding truncated snapshot")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	s := &Snapshot{Cols: 1, Rows: 1, Cells: make([]Cell, 1)}
	encoded := s.Encode()
	encoded[0] = 0xAB
	if _, err := Decode(encoded); err == nil {
		t.Fatal("expected error for bad magic")
	}
}
