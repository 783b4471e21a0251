package vt

import "github.com/hinshun/vt10x"

// Snapshot attribute bits packed into fgRGBA's alpha byte,
// ("A=attribute bits: bold/italic/underline/inverse").
const (
	cellAttrBold = 1 << iota
	cellAttrItalic
	cellAttrUnderline
	cellAttrInverse
)

// ansiBase holds palette indices 0-15: the classic ANSI/bright-ANSI colors.
var ansiBase = [16][3]byte{
	{0, 0, 0}, {205, 0, 0}, {0, 205, 0}, {205, 205, 0},
	{0, 0, 238}, {205, 0, 205}, {0, 205, 205}, {229, 229, 229},
	{127, 127, 127}, {255, 0, 0}, {0, 255, 0}, {255, 255, 0},
	{92, 92, 255}, {255, 0, 255}, {0, 255, 255}, {255, 255, 255},
}

// xterm256 is the standard 256-color xterm palette: indices 0-15 come
// from ansiBase, indices 16-255 are generated by the usual 6x6x6 cube +
// 24-step grayscale ramp formula.
func xterm256(index int) (r, g, b byte) {
	switch {
	case index < 16:
		c := ansiBase[index]
		return c[0], c[1], c[2]
	case index < 232:
		n := index - 16
		levels := [6]byte{0, 95, 135, 175, 215, 255}
		ri := (n / 36) % 6
		gi := (n / 6) % 6
		bi := n % 6
		return levels[ri], levels[gi], levels[bi]
	default:
		v := byte(8 + (index-232)*10)
		return v, v, v
	}
}

// colorToRGBA converts a vt10x.Color (an ANSI/256-palette index or the
// library's default-color sentinel) into the snapshot wire format's
// 0xAARRGGBB word, packing attrs (cellAttr* bits) into the alpha byte.
// vt10x's Glyph.Mode bit layout is internal to that package and not part
// of its documented surface, so Emulator does not decode it and passes
// attrs as 0: snapshot cells carry no bold/italic/underline/inverse bits.
// The snapshot-level attrFlags come from Emulator's own control-byte scan
// (see scanner.go), not from this conversion.
func colorToRGBA(c vt10x.Color, attrs uint8) uint32 {
	idx := int(c)
	var r, g, b byte
	switch {
	case idx < 0:
		// Default color sentinel: treat as the classic black/white pair.
		r, g, b = 0, 0, 0
	case idx < 256:
		r, g, b = xterm256(idx)
	default:
		// True-color glyphs pack RGB directly into the low 24 bits.
		r = byte(idx >> 16)
		g = byte(idx >> 8)
		b = byte(idx)
	}
	return uint32(attrs)<<24 | uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}
