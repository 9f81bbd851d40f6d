package fingerprint

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// Cosine fingerprints text as a hashed term-frequency vector and compares
// vectors by cosine similarity.
type Cosine struct {
	dims int
}

func NewCosine(dims int) *Cosine {
	if dims < 1 {
		dims = 256
	}
	return &Cosine{dims: dims}
}

func (c *Cosine) Name() string { return "cosine" }

func (c *Cosine) Fingerprint(text string) []byte {
	words := Words(text)
	if len(words) == 0 {
		return nil
	}
	vec := make([]float32, c.dims)
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%uint32(c.dims)]++
	}
	return EncodeVector(vec)
}

func (c *Cosine) Similarity(a, b []byte) float64 {
	return CosineSimilarity(DecodeVector(a), DecodeVector(b))
}

// EncodeVector stores v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func DecodeVector(fp []byte) []float32 {
	out := make([]float32, len(fp)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(fp[i*4:]))
	}
	return out
}

// CosineSimilarity returns 0 for mismatched or zero vectors. Negative
// similarities are clamped to 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
