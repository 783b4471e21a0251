package vt

import (
	"encoding/binary"
	"fmt"

	"vtmux/internal/frame"
)

// Snapshot attrFlags bits: insert/overwrite, cursor-visible, alt-screen,
// wrap.
const (
	AttrInsertMode uint8 = 1 << iota
	AttrCursorVisible
	AttrAltScreen
	AttrWrap
)

const snapshotVersion uint8 = 1

// runLengthFlag marks a codepoint word as a run-length-compressed blank
// run rather than a literal character: high bit set means the next u32
// is a run length.
const runLengthFlag uint32 = 1 << 31

// Cell is one grid cell: a codepoint (0 = blank) plus packed fg/bg RGBA.
type Cell struct {
	Codepoint uint32
	FG        uint32
	BG        uint32
}

// Snapshot is the decoded form of a SNAPSHOT_VT payload.
type Snapshot struct {
	Cols, Rows         uint32
	CursorRow, CursorCol uint32
	AttrFlags          uint8
	Cells              []Cell // len == Cols*Rows, row-major
	Scrollback         [][]Cell
}

// Encode serializes the snapshot to its wire format, compressing every
// run of two or more blank cells (Codepoint, FG and BG all 0) into a
// run-length entry; a run of the grid may cross row boundaries.
func (s *Snapshot) Encode() []byte {
	var buf []byte
	header := make([]byte, 2+1+4*4+1)
	binary.LittleEndian.PutUint16(header[0:2], frame.Magic)
	header[2] = snapshotVersion
	binary.LittleEndian.PutUint32(header[3:7], s.Cols)
	binary.LittleEndian.PutUint32(header[7:11], s.Rows)
	binary.LittleEndian.PutUint32(header[11:15], s.CursorRow)
	binary.LittleEndian.PutUint32(header[15:19], s.CursorCol)
	header[19] = s.AttrFlags
	buf = append(buf, header...)

	cellBytes, count := encodeCells(s.Cells, int(s.Cols))
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, count)
	buf = append(buf, countBuf...)
	buf = append(buf, cellBytes...)

	sbCountBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(sbCountBuf, uint16(len(s.Scrollback)))
	buf = append(buf, sbCountBuf...)

	for _, line := range s.Scrollback {
		lineBytes, lineCount := encodeCells(line, len(line))
		lc := make([]byte, 4)
		binary.LittleEndian.PutUint32(lc, lineCount)
		buf = append(buf, lc...)
		buf = append(buf, lineBytes...)
	}

	return buf
}

// encodeCells emits cells as the repeated (codepoint, fgRGBA, bgRGBA)
// entries, collapsing each run of two or more blank cells (the common
// case: mostly-empty rows) into one run-length entry so snapshots of
// sparse screens stay small. Runs are found over the whole slice, wherever
// they occur and across row boundaries; rowWidth is not used.
func encodeCells(cells []Cell, rowWidth int) ([]byte, uint32) {
	var out []byte
	var entries uint32

	isBlank := func(c Cell) bool { return c.Codepoint == 0 && c.FG == 0 && c.BG == 0 }

	i := 0
	for i < len(cells) {
		if isBlank(cells[i]) {
			run := 1
			for i+run < len(cells) && isBlank(cells[i+run]) {
				run++
			}
			// Only worth compressing runs of 2+; a single blank cell
			// costs the same either way.
			if run >= 2 {
				entry := make([]byte, 4)
				binary.LittleEndian.PutUint32(entry, runLengthFlag|uint32(run))
				out = append(out, entry...)
				entries++
				i += run
				continue
			}
		}
		c := cells[i]
		entry := make([]byte, 12)
		binary.LittleEndian.PutUint32(entry[0:4], c.Codepoint)
		binary.LittleEndian.PutUint32(entry[4:8], c.FG)
		binary.LittleEndian.PutUint32(entry[8:12], c.BG)
		out = append(out, entry...)
		entries++
		i++
	}
	return out, entries
}

// Decode parses a SNAPSHOT_VT payload. It rejects snapshots whose
// declared sizes don't match the payload bounds,
func Decode(payload []byte) (*Snapshot, error) {
	if len(payload) < 20 {
		return nil, fmt.Errorf("snapshot: payload too short for header: %d bytes", len(payload))
	}
	magic := binary.LittleEndian.Uint16(payload[0:2])
	if magic != frame.Magic {
		return nil, fmt.Errorf("snapshot: bad magic %#x", magic)
	}
	version := payload[2]
	if version != snapshotVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", version)
	}

	s := &Snapshot{
		Cols:      binary.LittleEndian.Uint32(payload[3:7]),
		Rows:      binary.LittleEndian.Uint32(payload[7:11]),
		CursorRow: binary.LittleEndian.Uint32(payload[11:15]),
		CursorCol: binary.LittleEndian.Uint32(payload[15:19]),
		AttrFlags: payload[19],
	}

	off := 20
	if len(payload) < off+4 {
		return nil, fmt.Errorf("snapshot: truncated cell count")
	}
	cellCount := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4

	expected := int(s.Cols) * int(s.Rows)
	cells, consumed, err := decodeCells(payload[off:], cellCount, expected)
	if err != nil {
		return nil, fmt.Errorf("snapshot: grid cells: %w", err)
	}
	off += consumed
	s.Cells = cells

	if len(payload) < off+2 {
		return nil, fmt.Errorf("snapshot: truncated scrollback count")
	}
	sbLines := int(binary.LittleEndian.Uint16(payload[off : off+2]))
	off += 2

	for i := 0; i < sbLines; i++ {
		if len(payload) < off+4 {
			return nil, fmt.Errorf("snapshot: truncated scrollback line %d count", i)
		}
		lineCount := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		line, consumed, err := decodeCells(payload[off:], lineCount, -1)
		if err != nil {
			return nil, fmt.Errorf("snapshot: scrollback line %d: %w", i, err)
		}
		off += consumed
		s.Scrollback = append(s.Scrollback, line)
	}

	if off != len(payload) {
		return nil, fmt.Errorf("snapshot: %d trailing bytes after declared sizes", len(payload)-off)
	}

	return s, nil
}

// decodeCells parses `count` wire entries from data. If expectedTotal is
// >= 0, the sum of run lengths and literal cells must equal it exactly:
// declared sizes must match payload bounds.
func decodeCells(data []byte, count uint32, expectedTotal int) ([]Cell, int, error) {
	var cells []Cell
	off := 0
	for i := uint32(0); i < count; i++ {
		if len(data) < off+4 {
			return nil, 0, fmt.Errorf("truncated entry %d", i)
		}
		word := binary.LittleEndian.Uint32(data[off : off+4])
		if word&runLengthFlag != 0 {
			run := int(word &^ runLengthFlag)
			for j := 0; j < run; j++ {
				cells = append(cells, Cell{})
			}
			off += 4
			continue
		}
		if len(data) < off+12 {
			return nil, 0, fmt.Errorf("truncated literal cell %d", i)
		}
		cells = append(cells, Cell{
			Codepoint: word,
			FG:        binary.LittleEndian.Uint32(data[off+4 : off+8]),
			BG:        binary.LittleEndian.Uint32(data[off+8 : off+12]),
		})
		off += 12
	}
	if expectedTotal >= 0 && len(cells) != expectedTotal {
		return nil, 0, fmt.Errorf("decoded %d cells, expected %d", len(cells), expectedTotal)
	}
	return cells, off, nil
}
