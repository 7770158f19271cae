package embedding

import (
	"math"
	"testing"
)

func TestHashEmbedDeterministic(t *testing.T) {
	a := HashEmbed("the quick brown fox", DefaultDim)
	b := HashEmbed("the quick brown fox", DefaultDim)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs: %v vs %v", i, a[i], b[i])
		}
	}
	if sim := Cosine(a, b); sim < 0.999 || sim > 1.0 {
		t.Errorf("self-similarity = %v, want [0.999, 1.0]", sim)
	}
}

func TestHashEmbedNormalized(t *testing.T) {
	vec := HashEmbed("distributed systems design", DefaultDim)
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("L2 norm = %v, want 1", norm)
	}
}

func TestHashEmbedEmptyInput(t *testing.T) {
	vec := HashEmbed("   \t  ", DefaultDim)
	if len(vec) != DefaultDim {
		t.Fatalf("len = %d, want %d", len(vec), DefaultDim)
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("component %d = %v, want 0", i, v)
		}
	}
}

func TestHashEmbedDistinguishesTexts(t *testing.T) {
	a := HashEmbed("how do databases index data", DefaultDim)
	b := HashEmbed("recipe for sourdough bread", DefaultDim)
	if sim := Cosine(a, b); sim > 0.9 {
		t.Errorf("unrelated texts too similar: %v", sim)
	}
}

func TestQuantizeRoundtrip(t *testing.T) {
	orig := HashEmbed("what is the capital of france", DefaultDim)
	back := Dequantize(Quantize(orig))

	var dist float64
	for i := range orig {
		d := float64(orig[i] - back[i])
		dist += d * d
	}
	if l2 := math.Sqrt(dist); l2 >= 0.02 {
		t.Errorf("roundtrip L2 distance = %v, want < 0.02", l2)
	}
}

func TestQuantizeClamps(t *testing.T) {
	q := Quantize([]float32{2.5, -3.0, 0.5})
	if q[0] != 127 || q[1] != -127 {
		t.Errorf("clamping failed: %v", q)
	}
}

func TestCosineEdgeCases(t *testing.T) {
	if got := Cosine([]float32{1}, []float32{1, 0}); got != 0 {
		t.Errorf("length mismatch = %v, want 0", got)
	}
	if got := Cosine(nil, nil); got != 0 {
		t.Errorf("empty vectors = %v, want 0", got)
	}
	// Clamp guards against float accumulation drift.
	if got := Cosine([]float32{1.0000001}, []float32{1.0000001}); got != 1 {
		t.Errorf("clamp high = %v, want 1", got)
	}
}
