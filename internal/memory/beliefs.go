package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// BELIEFS
// =============================================================================
//
// Beliefs are lightweight (subject, predicate, object, polarity) facts
// extracted from run artifacts. Duplicates merge by taking the max
// confidence and unioning provenance. Conflict detection pairs beliefs
// whose triple matches but whose polarity differs.

// Provenance records where a belief was observed.
type Provenance struct {
	Sig  string `json:"sig,omitempty"`
	Node string `json:"node,omitempty"`
	TS   int64  `json:"ts"`
}

// Belief is one polarized triple.
type Belief struct {
	ID         string       `json:"id"`
	Subject    string       `json:"subject"`
	Predicate  string       `json:"predicate"`
	Object     string       `json:"object"`
	Polarity   bool         `json:"polarity"` // false means negated
	Confidence float64      `json:"confidence"`
	Provenance []Provenance `json:"provenance,omitempty"`
}

// BeliefID derives the deterministic id for a polarized triple.
func BeliefID(subject, predicate, object string, polarity bool) string {
	key := fmt.Sprintf("%s|%s|%s|%t",
		strings.ToLower(strings.TrimSpace(subject)),
		strings.ToLower(strings.TrimSpace(predicate)),
		strings.ToLower(strings.TrimSpace(object)),
		polarity)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// UpsertBelief merges a belief observation: confidence is the max over
// duplicates and provenance rows accumulate.
func (s *Store) UpsertBelief(b Belief, prov Provenance) error {
	if b.Subject == "" || b.Predicate == "" {
		return fmt.Errorf("belief requires subject and predicate")
	}
	b.ID = BeliefID(b.Subject, b.Predicate, b.Object, b.Polarity)
	if prov.TS == 0 {
		prov.TS = now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data.Beliefs[b.ID]
	if !ok {
		b.Provenance = []Provenance{prov}
		s.data.Beliefs[b.ID] = &b
		return s.saveLocked()
	}
	if b.Confidence > existing.Confidence {
		existing.Confidence = b.Confidence
	}
	existing.Provenance = append(existing.Provenance, prov)
	return s.saveLocked()
}

// BeliefConflict is a pair of beliefs with matching triples and flipped
// polarity.
type BeliefConflict struct {
	Positive Belief
	Negative Belief
}

// DetectBeliefConflicts returns polarity-flip pairs. When sig is non-empty
// only beliefs with provenance from that signature are considered.
func (s *Store) DetectBeliefConflicts(sig string) []BeliefConflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	inScope := func(b *Belief) bool {
		if sig == "" {
			return true
		}
		for _, p := range b.Provenance {
			if p.Sig == sig {
				return true
			}
		}
		return false
	}

	byTriple := map[string][]*Belief{}
	for _, b := range s.data.Beliefs {
		if !inScope(b) {
			continue
		}
		key := strings.ToLower(b.Subject + "|" + b.Predicate + "|" + b.Object)
		byTriple[key] = append(byTriple[key], b)
	}

	var conflicts []BeliefConflict
	for _, group := range byTriple {
		var pos, neg *Belief
		for _, b := range group {
			if b.Polarity {
				pos = b
			} else {
				neg = b
			}
		}
		if pos != nil && neg != nil {
			conflicts = append(conflicts, BeliefConflict{Positive: *pos, Negative: *neg})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Positive.ID < conflicts[j].Positive.ID
	})
	return conflicts
}
