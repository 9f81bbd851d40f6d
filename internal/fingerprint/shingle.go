package fingerprint

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"strings"
)

// Shingle fingerprints text as the set of hashed word k-shingles and
// compares sets with Jaccard similarity.
type Shingle struct {
	k int
}

func NewShingle(k int) *Shingle {
	if k < 1 {
		k = 3
	}
	return &Shingle{k: k}
}

func (s *Shingle) Name() string { return "shingle" }

func (s *Shingle) Fingerprint(text string) []byte {
	words := Words(text)
	if len(words) == 0 {
		return nil
	}
	n := len(words) - s.k + 1
	if n < 1 {
		// Short texts become a single shingle.
		return encodeHashes([]uint64{hashWords(words)})
	}
	hashes := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		hashes = append(hashes, hashWords(words[i:i+s.k]))
	}
	return encodeHashes(hashes)
}

func (s *Shingle) Similarity(a, b []byte) float64 {
	return Jaccard(DecodeHashes(a), DecodeHashes(b))
}

func hashWords(words []string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.Join(words, " ")))
	return h.Sum64()
}

// encodeHashes sorts and deduplicates hashes and encodes them little-endian.
func encodeHashes(hashes []uint64) []byte {
	slices.Sort(hashes)
	hashes = slices.Compact(hashes)
	out := make([]byte, 8*len(hashes))
	for i, h := range hashes {
		binary.LittleEndian.PutUint64(out[i*8:], h)
	}
	return out
}

// EncodeSet builds a shingle fingerprint from raw hash values.
func EncodeSet(hashes []uint64) []byte {
	return encodeHashes(slices.Clone(hashes))
}

// DecodeHashes reverses EncodeSet. Trailing partial values are ignored.
func DecodeHashes(fp []byte) []uint64 {
	out := make([]uint64, len(fp)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(fp[i*8:])
	}
	return out
}

// Jaccard computes |a∩b| / |a∪b| over sorted unique sets.
func Jaccard(a, b []uint64) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var inter, i, j int
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
