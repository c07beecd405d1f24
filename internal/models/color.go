package models

// Palette is the fixed set of display colors assigned to sources. Order
// matters: the color index is derived from a hash of the source identifier,
// so reordering would reshuffle every user's calendar colors.
var Palette = []string{
	"blue",
	"green",
	"red",
	"purple",
	"orange",
	"teal",
	"pink",
	"yellow",
}

// DefaultColor is used when a source has no identifier to hash.
const DefaultColor = "blue"

// ColorFor deterministically picks a palette color for a source identifier.
// The dashboard renders the same colors independently, so the mapping must
// be bit-reproducible: djb2 with XOR folding over the identifier's code
// points, truncated to 32 bits, modulo the palette size.
func ColorFor(identifier string) string {
	if identifier == "" {
		return DefaultColor
	}
	var h uint32 = 5381
	for _, r := range identifier {
		h = h*33 ^ uint32(r)
	}
	return Palette[h%uint32(len(Palette))]
}
