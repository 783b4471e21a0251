// Package vt implements the server-side VTEmulator: it materializes a
// cell grid from a byte stream well enough to produce
// faithful SNAPSHOT_VT blobs for thumbnails and reattach, without itself
// rendering for interactive clients.
package vt

import (
	"sync"

	"github.com/hinshun/vt10x"
)

// BellFunc is invoked once per BEL byte (0x07) observed in ingested output.
type BellFunc func()

// TitleFunc is invoked whenever an OSC 0/2 "set title" sequence completes
// with a new title string.
type TitleFunc func(title string)

// Emulator owns a vt10x terminal instance plus the small amount of extra
// state (alt-screen tracking, last title, bell/title callbacks) the v3
// snapshot format and EVENT stream need beyond what vt10x surfaces
// directly. vt10x does the hard part (CSI cursor movement, SGR, erase,
// scroll regions, modes); Emulator adds bell detection (vt10x has no bell
// callback) and title tracking via a small OSC scanner run in parallel,
// the same "scan raw bytes alongside feeding the library" technique the
// pack's dcosson-h2 example uses for OSC color-query responses.
type Emulator struct {
	mu   sync.Mutex
	term vt10x.Terminal

	cols, rows int
	altScreen  bool
	insertMode bool
	lastWrap   bool
	title      string

	oscScanner oscScanner

	onBell  BellFunc
	onTitle TitleFunc
}

// New creates an Emulator sized cols x rows.
func New(cols, rows int) *Emulator {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	e := &Emulator{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
	return e
}

// OnBell registers the callback invoked for each BEL byte ingested.
func (e *Emulator) OnBell(f BellFunc) { e.onBell = f }

// OnTitle registers the callback invoked when the title changes.
func (e *Emulator) OnTitle(f TitleFunc) { e.onTitle = f }

// Ingest advances the emulator's state machine by feeding it bytes from
// the PTY/output stream. It is safe to call from a single writer only
// (per-session state has a single-owner mutator); Snapshot may be
// called concurrently from other goroutines.
func (e *Emulator) Ingest(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.scanControlBytes(data)

	e.term.Lock()
	_, _ = e.term.Write(data)
	e.term.Unlock()
}

// scanControlBytes looks for BEL, OSC title sequences, alternate-screen
// mode sequences, and insert-mode sequences that vt10x's Write tracks
// internally but doesn't surface through its public interface. Unknown
// CSI/OSC sequences are ignored, never fatal: the emulator
// must degrade gracefully on exotic sequences, never crash.
func (e *Emulator) scanControlBytes(data []byte) {
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b == 0x07 { // BEL
			if e.onBell != nil {
				e.onBell()
			}
			continue
		}
		if b != 0x1b { // ESC
			continue
		}

		if title, consumed, ok := e.oscScanner.tryTitle(data[i:]); ok {
			if title != e.title {
				e.title = title
				if e.onTitle != nil {
					e.onTitle(title)
				}
			}
			i += consumed - 1
			continue
		}

		if n, alt, ok := tryAltScreenMode(data[i:]); ok {
			e.altScreen = alt
			i += n - 1
			continue
		}

		if n, insert, ok := tryInsertMode(data[i:]); ok {
			e.insertMode = insert
			i += n - 1
			continue
		}
	}
}

// Resize updates the emulator's dimensions.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cols, e.rows = cols, rows
	e.term.Lock()
	e.term.Resize(cols, rows)
	e.term.Unlock()
}

// Size returns the current grid dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}

// Title returns the last-seen terminal title.
func (e *Emulator) Title() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.title
}

// Snapshot materializes the current cell grid into the wire-ready
// Snapshot structure. It does not itself encode to bytes;
// see Snapshot.Encode.
func (e *Emulator) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.term.Lock()
	defer e.term.Unlock()

	cols, rows := e.term.Size()
	cur := e.term.Cursor()

	cells := make([]Cell, 0, cols*rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			g := e.term.Cell(x, y)
			cells = append(cells, glyphToCell(g))
		}
	}

	snap := &Snapshot{
		Cols:      uint32(cols),
		Rows:      uint32(rows),
		CursorCol: uint32(cur.X),
		CursorRow: uint32(cur.Y),
		Cells:     cells,
	}
	snap.AttrFlags = 0
	if e.insertMode {
		snap.AttrFlags |= AttrInsertMode
	}
	if e.term.CursorVisible() {
		snap.AttrFlags |= AttrCursorVisible
	}
	if e.altScreen {
		snap.AttrFlags |= AttrAltScreen
	}
	if e.lastWrap {
		snap.AttrFlags |= AttrWrap
	}
	return snap
}

func glyphToCell(g vt10x.Glyph) Cell {
	// vt10x's Glyph.Mode bit layout isn't part of its documented surface
	// (see color.go), so per-cell bold/italic/underline/inverse bits are
	// not sourced from it; only color is carried through per glyph.
	c := Cell{
		Codepoint: uint32(g.Char),
		FG:        colorToRGBA(g.FG, 0),
		BG:        colorToRGBA(g.BG, 0),
	}
	return c
}
