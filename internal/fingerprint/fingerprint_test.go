package fingerprint

import (
	"math"
	"testing"
)

func seq(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for v := from; v <= to; v++ {
		out = append(out, v)
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello, World!", "hello world"},
		{"  GPT-4o   ships\ttoday ", "gpt 4o ships today"},
		{"", ""},
		{"...", ""},
		{"Ünïcode Café", "ünïcode café"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJaccardBoundary(t *testing.T) {
	s := NewShingle(3)

	// 85 shared of 100 total.
	a := EncodeSet(seq(1, 100))
	b := EncodeSet(seq(1, 85))
	if got := s.Similarity(a, b); got != 0.85 {
		t.Errorf("Similarity = %v, want exactly 0.85", got)
	}

	// 849 shared of 1000 total.
	c := EncodeSet(seq(1, 1000))
	d := EncodeSet(seq(1, 849))
	got := s.Similarity(c, d)
	if got != 0.849 {
		t.Errorf("Similarity = %v, want 0.849", got)
	}
	if got >= 0.85 {
		t.Errorf("Similarity %v must fall below 0.85", got)
	}
}

func TestShingleSimilarity(t *testing.T) {
	s := NewShingle(3)
	text := "OpenAI released a new reasoning model that improves math benchmarks considerably"

	if got := s.Similarity(s.Fingerprint(text), s.Fingerprint(text)); got != 1 {
		t.Errorf("identical text similarity = %v, want 1", got)
	}
	if got := s.Similarity(s.Fingerprint(text), s.Fingerprint("BREAKING: "+text+"!")); got < 0.8 {
		t.Errorf("near-identical text similarity = %v, want >= 0.8", got)
	}
	other := "Rust compiler adds incremental linking for faster builds on large workspaces"
	if got := s.Similarity(s.Fingerprint(text), s.Fingerprint(other)); got != 0 {
		t.Errorf("unrelated text similarity = %v, want 0", got)
	}
	if got := s.Similarity(nil, nil); got != 0 {
		t.Errorf("empty similarity = %v, want 0", got)
	}
	if fp := s.Fingerprint("two words"); len(fp) != 8 {
		t.Errorf("short text should yield a single shingle, got %d bytes", len(fp))
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	for _, name := range []string{"shingle", "cosine"} {
		s, err := New(name, Options{})
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		a := s.Fingerprint("large language models write code for developers every day")
		b := s.Fingerprint("large language models write tests for developers every week")
		ab, ba := s.Similarity(a, b), s.Similarity(b, a)
		if ab != ba {
			t.Errorf("%s: Similarity not symmetric: %v vs %v", name, ab, ba)
		}
		if ab < 0 || ab > 1 {
			t.Errorf("%s: Similarity %v out of range", name, ab)
		}
	}
}

func TestCosine(t *testing.T) {
	c := NewCosine(64)
	text := "diffusion models generate images from text prompts"
	if got := c.Similarity(c.Fingerprint(text), c.Fingerprint(text)); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical similarity = %v, want 1", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal similarity = %v, want 0", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("mismatched dimensions similarity = %v, want 0", got)
	}
	v := []float32{1.5, 0, 2}
	back := DecodeVector(EncodeVector(v))
	for i := range v {
		if back[i] != v[i] {
			t.Fatalf("vector round trip mismatch at %d: %v vs %v", i, back[i], v[i])
		}
	}
}

func TestNewUnknown(t *testing.T) {
	if _, err := New("minhash", Options{}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
