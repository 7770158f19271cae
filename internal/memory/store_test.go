package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"reasonerd/internal/embedding"
	"reasonerd/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.json"), 256, 2000)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestBumpJudgeClamps(t *testing.T) {
	s := openTestStore(t)

	if w := s.JudgeWeight("structure"); w != 1.0 {
		t.Errorf("initial weight = %v, want 1.0", w)
	}
	if err := s.BumpJudge("structure", 0.5); err != nil {
		t.Fatal(err)
	}
	if w := s.JudgeWeight("structure"); w != 1.5 {
		t.Errorf("weight = %v, want 1.5", w)
	}
	if err := s.BumpJudge("structure", 10); err != nil {
		t.Fatal(err)
	}
	if w := s.JudgeWeight("structure"); w != 3.0 {
		t.Errorf("weight = %v, want clamp at 3.0", w)
	}
	if err := s.BumpJudge("structure", -10); err != nil {
		t.Fatal(err)
	}
	if w := s.JudgeWeight("structure"); w != 0.1 {
		t.Errorf("weight = %v, want clamp at 0.1", w)
	}
}

func TestSaveIsAtomicAndReloadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.json")
	s, err := Open(path, 256, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.BumpJudge("brevity", 0.2); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordPatch("insert_header", true); err != nil {
		t.Fatal(err)
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file not cleaned up by rename")
	}

	// File is a single top-level object with all five keys.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("memory file not valid JSON: %v", err)
	}
	for _, key := range []string{"judges", "patch_stats", "klines", "beliefs", "self_models"} {
		if _, ok := top[key]; !ok {
			t.Errorf("memory file missing key %q", key)
		}
	}

	reopened, err := Open(path, 256, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if w := reopened.JudgeWeight("brevity"); w != 1.2 {
		t.Errorf("reloaded weight = %v, want 1.2", w)
	}
	if st := reopened.PatchStats()["insert_header"]; st.OK != 1 {
		t.Errorf("reloaded patch stats = %+v", st)
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, 256, 2000)
	if err != nil {
		t.Fatalf("Open should recover from corruption: %v", err)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt file not quarantined: %v", err)
	}
	// Fresh store is usable.
	if err := s.BumpJudge("consistency", 0.1); err != nil {
		t.Fatal(err)
	}
}

func TestSignatureShape(t *testing.T) {
	sig := Signature(types.KindAtomic, "  What   is 2+2? ")
	if len(sig) != 16 {
		t.Fatalf("signature length = %d, want 16", len(sig))
	}
	// Normalization: case and whitespace do not matter.
	if sig != Signature(types.KindAtomic, "what is 2+2?") {
		t.Error("signature not normalization-invariant")
	}
	// Kind participates.
	if sig == Signature(types.KindHybrid, "what is 2+2?") {
		t.Error("signature ignores classification kind")
	}
}

func TestUpsertAndRoundtrip(t *testing.T) {
	s := openTestStore(t)
	query := "how does raft handle leader election"
	sig := Signature(types.KindHybrid, query)

	err := s.UpsertKLine(sig, KLine{
		Query:          query,
		Classification: types.Classification{Kind: types.KindHybrid, Score: 0.4},
		Nodes:          []NodeSnapshot{{Name: "analysis", Role: "backbone", Section: "Analysis"}},
		OKNodes:        []string{"analysis"},
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, ok := s.GetKLine(sig)
	if !ok {
		t.Fatal("entry missing after upsert")
	}
	if entry.Query != query || len(entry.EmbeddingQ) != 256 {
		t.Errorf("entry = query %q, embedding len %d", entry.Query, len(entry.EmbeddingQ))
	}

	// Quantized roundtrip stays close to the full-precision embedding.
	full := embedding.HashEmbed("how does raft handle leader election", 256)
	back := embedding.Dequantize(entry.EmbeddingQ)
	var dist float64
	for i := range full {
		d := float64(full[i] - back[i])
		dist += d * d
	}
	if dist >= 0.02*0.02 {
		t.Errorf("quantized embedding drifted: L2^2 = %v", dist)
	}
}

func TestUpsertPrunesOldest(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "memory.json"), 64, 3)
	if err != nil {
		t.Fatal(err)
	}
	ts := int64(1000)
	oldNow := now
	now = func() int64 { ts++; return ts }
	defer func() { now = oldNow }()

	for _, q := range []string{"first", "second", "third", "fourth"} {
		if err := s.UpsertKLine(Signature(types.KindAtomic, q), KLine{Query: q}); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := s.GetKLine(Signature(types.KindAtomic, "first")); ok {
		t.Error("oldest entry should be pruned")
	}
	if _, ok := s.GetKLine(Signature(types.KindAtomic, "fourth")); !ok {
		t.Error("newest entry missing")
	}
}

func TestBeliefConflicts(t *testing.T) {
	s := openTestStore(t)
	prov := Provenance{Sig: "cafe0123cafe0123", Node: "a"}

	if err := s.UpsertBelief(Belief{Subject: "system", Predicate: "is", Object: "distributed", Polarity: true, Confidence: 0.8}, prov); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertBelief(Belief{Subject: "system", Predicate: "is", Object: "distributed", Polarity: false, Confidence: 0.7}, Provenance{Sig: "cafe0123cafe0123", Node: "b"}); err != nil {
		t.Fatal(err)
	}
	// Duplicate raises confidence via max, not sum.
	if err := s.UpsertBelief(Belief{Subject: "system", Predicate: "is", Object: "distributed", Polarity: true, Confidence: 0.9}, prov); err != nil {
		t.Fatal(err)
	}

	conflicts := s.DetectBeliefConflicts("cafe0123cafe0123")
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	if conflicts[0].Positive.Confidence != 0.9 {
		t.Errorf("confidence = %v, want max 0.9", conflicts[0].Positive.Confidence)
	}
	if got := s.DetectBeliefConflicts("0000000000000000"); len(got) != 0 {
		t.Errorf("foreign sig returned %d conflicts", len(got))
	}
}
