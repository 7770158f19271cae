// Package memory persists what the engine learns across runs: judge
// weights, patch statistics, k-lines (prior runs with quantized query
// embeddings, cluster links, and execution traces), and lightweight
// beliefs. Everything lives in one JSON snapshot saved atomically on every
// mutation.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"reasonerd/internal/logging"
)

// PatchStat counts patch outcomes by kind. Informational.
type PatchStat struct {
	OK   int `json:"ok"`
	Fail int `json:"fail"`
}

// fileData is the on-disk snapshot shape.
type fileData struct {
	Judges     map[string]float64         `json:"judges"`
	PatchStats map[string]*PatchStat      `json:"patch_stats"`
	KLines     map[string]*KLine          `json:"klines"`
	Beliefs    map[string]*Belief         `json:"beliefs"`
	SelfModels map[string]json.RawMessage `json:"self_models"`
}

func newFileData() fileData {
	return fileData{
		Judges:     map[string]float64{},
		PatchStats: map[string]*PatchStat{},
		KLines:     map[string]*KLine{},
		Beliefs:    map[string]*Belief{},
		SelfModels: map[string]json.RawMessage{},
	}
}

// Store is the process-global memory. All public methods are thread-safe
// through one lock; every mutation saves before returning.
type Store struct {
	mu         sync.Mutex
	path       string
	embedDim   int
	maxEntries int
	data       fileData

	// embedCache holds full-precision embeddings per signature. Never
	// persisted; rebuilt lazily from embedding_q or the stored query.
	embedCache map[string][]float32

	log *logging.Logger
}

// Open loads (or creates) the store at path. A corrupt file is moved aside
// with a .corrupt suffix and the store starts fresh.
func Open(path string, embedDim, maxEntries int) (*Store, error) {
	if embedDim <= 0 {
		embedDim = 256
	}
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	s := &Store{
		path:       path,
		embedDim:   embedDim,
		maxEntries: maxEntries,
		data:       newFileData(),
		embedCache: map[string][]float32{},
		log:        logging.Get(logging.CategoryMemory),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read memory file: %w", err)
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		quarantine := path + ".corrupt"
		s.log.Error("memory file corrupt, moving to %s: %v", quarantine, err)
		if renameErr := os.Rename(path, quarantine); renameErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupt memory file: %w", renameErr)
		}
		return s, nil
	}
	// Guard against older files with missing maps.
	if data.Judges == nil {
		data.Judges = map[string]float64{}
	}
	if data.PatchStats == nil {
		data.PatchStats = map[string]*PatchStat{}
	}
	if data.KLines == nil {
		data.KLines = map[string]*KLine{}
	}
	if data.Beliefs == nil {
		data.Beliefs = map[string]*Belief{}
	}
	if data.SelfModels == nil {
		data.SelfModels = map[string]json.RawMessage{}
	}
	s.data = data
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// saveLocked serializes to a temp file and renames over the target. The
// caller must hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.data, "", " ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write memory temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit memory file: %w", err)
	}
	return nil
}

// =============================================================================
// JUDGE WEIGHTS
// =============================================================================

// BumpJudge adjusts a judge's stored weight by delta, clamped to
// [0.1, 3.0]. Unknown judges start at 1.0.
func (s *Store) BumpJudge(name string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.data.Judges[name]
	if !ok {
		w = 1.0
	}
	w += delta
	if w < 0.1 {
		w = 0.1
	}
	if w > 3.0 {
		w = 3.0
	}
	s.data.Judges[name] = w
	return s.saveLocked()
}

// JudgeWeight returns a judge's stored weight (1.0 when unseen).
func (s *Store) JudgeWeight(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.data.Judges[name]; ok {
		return w
	}
	return 1.0
}

// =============================================================================
// PATCH STATS
// =============================================================================

// RecordPatch counts one patch application outcome by kind.
func (s *Store) RecordPatch(kind string, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data.PatchStats[kind]
	if st == nil {
		st = &PatchStat{}
		s.data.PatchStats[kind] = st
	}
	if ok {
		st.OK++
	} else {
		st.Fail++
	}
	return s.saveLocked()
}

// PatchStats returns a copy of the counters.
func (s *Store) PatchStats() map[string]PatchStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PatchStat, len(s.data.PatchStats))
	for k, v := range s.data.PatchStats {
		out[k] = *v
	}
	return out
}

// =============================================================================
// SELF MODELS
// =============================================================================

// PutSelfModel stores an opaque JSON blob under a key.
func (s *Store) PutSelfModel(key string, blob json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SelfModels[key] = blob
	return s.saveLocked()
}

// GetSelfModel retrieves a previously stored blob.
func (s *Store) GetSelfModel(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.data.SelfModels[key]
	return blob, ok
}

// now is stubbed in tests.
var now = func() int64 { return time.Now().Unix() }
