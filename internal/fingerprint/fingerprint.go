// Package fingerprint provides pluggable content signatures for
// near-duplicate detection.
package fingerprint

import (
	"fmt"
	"strings"
	"unicode"
)

// Strategy derives a fingerprint from text and compares two fingerprints.
// Similarity is symmetric and returns a value in [0, 1].
type Strategy interface {
	Name() string
	Fingerprint(text string) []byte
	Similarity(a, b []byte) float64
}

// Options tunes the built-in strategies.
type Options struct {
	ShingleSize int
	Dimensions  int
}

// New returns the strategy registered under name.
func New(name string, opts Options) (Strategy, error) {
	switch name {
	case "", "shingle":
		return NewShingle(opts.ShingleSize), nil
	case "cosine":
		return NewCosine(opts.Dimensions), nil
	default:
		return nil, fmt.Errorf("fingerprint: unknown strategy %q", name)
	}
}

// Normalize lowercases text, keeps letters and digits and collapses
// everything else into single spaces.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSuffix(b.String(), " ")
}

// Words returns the normalized tokens of text.
func Words(text string) []string {
	return strings.Fields(Normalize(text))
}
