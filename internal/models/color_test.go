package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorForIsDeterministic(t *testing.T) {
	first := ColorFor("https://a")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, ColorFor("https://a"))
	}
}

func TestColorForKnownValues(t *testing.T) {
	// Pinned values: the dashboard computes the same hash independently,
	// so these may never drift.
	assert.Equal(t, "teal", ColorFor("https://a"))
	assert.Equal(t, "teal", ColorFor("acct-123"))
	assert.Equal(t, "orange", ColorFor("webcal://example.com/feed.ics"))
	assert.Equal(t, "orange", ColorFor("a"))
	assert.Equal(t, "yellow", ColorFor("b"))
}

func TestColorForFoldsCodePoints(t *testing.T) {
	// Non-ASCII identifiers hash per code point, not per UTF-8 byte; a
	// byte-folding hash would land on "purple" here.
	assert.Equal(t, "blue", ColorFor("café"))
}

func TestColorForEmptyIdentifier(t *testing.T) {
	assert.Equal(t, "blue", ColorFor(""))
}

func TestColorForStaysInPalette(t *testing.T) {
	inputs := []string{"x", "yy", "zzz", "https://cal.example.com/123", "Ω-unicode"}
	for _, in := range inputs {
		assert.Contains(t, Palette, ColorFor(in))
	}
}

func TestEventUID(t *testing.T) {
	assert.Equal(t, "src-1:evt-9", EventUID("src-1", "evt-9"))
	// Different sources can never produce the same composite UID.
	assert.NotEqual(t, EventUID("a", "x"), EventUID("b", "x"))
}
