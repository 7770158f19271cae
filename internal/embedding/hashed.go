package embedding

import (
	"encoding/binary"
	"math"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// =============================================================================
// HASHED EMBEDDING ENGINE
// =============================================================================
//
// A deterministic feature-hashing embedder. No external model: each unigram
// and adjacent bigram of the lowercased text is hashed with BLAKE2b-64 into
// a bucket of a fixed-dimension vector, with the hash's bit 1 deciding the
// sign. The result is L2-normalized, so cosine reduces to a dot product.

// DefaultDim is the on-disk embedding dimensionality.
const DefaultDim = 256

// HashedEngine implements a local, deterministic embedding engine.
type HashedEngine struct {
	dim int
}

// NewHashedEngine creates an engine with the given dimensionality
// (DefaultDim when d <= 0).
func NewHashedEngine(d int) *HashedEngine {
	if d <= 0 {
		d = DefaultDim
	}
	return &HashedEngine{dim: d}
}

// Dimensions returns the vector length.
func (e *HashedEngine) Dimensions() int { return e.dim }

// Name returns the engine name.
func (e *HashedEngine) Name() string { return "hashed-blake2b" }

// Embed produces the hashed embedding of text.
func (e *HashedEngine) Embed(text string) []float32 {
	return HashEmbed(text, e.dim)
}

// tokenize lowercases, collapses whitespace, and splits into alphanumeric
// runs.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// HashEmbed computes the d-dimensional hashed embedding of text. Purely
// deterministic: identical inputs yield byte-identical vectors.
func HashEmbed(text string, d int) []float32 {
	if d <= 0 {
		d = DefaultDim
	}
	vec := make([]float32, d)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec
	}

	accumulate := func(feature string) {
		h, _ := blake2b.New(8, nil)
		h.Write([]byte(feature))
		v := binary.LittleEndian.Uint64(h.Sum(nil))
		idx := int(v % uint64(d))
		if v&2 != 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	for i, tok := range tokens {
		accumulate(tok)
		if i+1 < len(tokens) {
			accumulate(tok + " " + tokens[i+1])
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Quantize clamps each component to [-1,1] and scales to int8. Only the
// quantized form is stored on disk.
func Quantize(vec []float32) []int8 {
	out := make([]int8, len(vec))
	for i, v := range vec {
		f := float64(v)
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		out[i] = int8(math.Round(f * 127))
	}
	return out
}

// Dequantize restores an approximate float vector from its int8 form.
func Dequantize(q []int8) []float32 {
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(v) / 127
	}
	return out
}

// Cosine returns the dot product of two equal-length vectors clamped to
// [-1,1]. Inputs are expected to be L2-normalized already; mismatched
// lengths yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot > 1 {
		return 1
	}
	if dot < -1 {
		return -1
	}
	return dot
}
