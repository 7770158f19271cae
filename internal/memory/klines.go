package memory

import (
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"reasonerd/internal/embedding"
	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// =============================================================================
// K-LINES
// =============================================================================
//
// A k-line records one prior run under a 16-hex signature derived from the
// query's classification and normal form. Retrieval embeds the incoming
// query, scores stored entries by cosine, boosts candidates by their
// cluster links, and expands through children and neighbors. Traces allow
// replaying a stored plan when live planning fails.

// NodeSnapshot is the persisted projection of one plan node.
type NodeSnapshot struct {
	Name           string               `json:"name"`
	Tmpl           string               `json:"tmpl,omitempty"`
	Role           string               `json:"role,omitempty"`
	Deps           []string             `json:"deps,omitempty"`
	Section        string               `json:"section,omitempty"`
	Tests          []types.ContractTest `json:"tests,omitempty"`
	PromptOverride string               `json:"prompt_override,omitempty"`
}

// Trace is one append-only execution snapshot.
type Trace struct {
	TS    int64          `json:"ts"`
	Nodes []NodeSnapshot `json:"nodes"`
}

// KLine is one memory record.
type KLine struct {
	Query          string               `json:"query"`
	Classification types.Classification `json:"classification"`
	TS             int64                `json:"ts"`
	EmbeddingQ     []int8               `json:"embedding_q,omitempty"`
	Nodes          []NodeSnapshot       `json:"nodes,omitempty"`
	OKNodes        []string             `json:"ok_nodes,omitempty"`
	GlobalRecs     []string             `json:"global_recs,omitempty"`
	Links          map[string]float64   `json:"links,omitempty"`
	Penalty        int                  `json:"penalty,omitempty"`
	Level          int                  `json:"level,omitempty"`
	Children       []string             `json:"children,omitempty"`
	Traces         []Trace              `json:"traces,omitempty"`
}

// SnapshotPlan projects a plan into persistable node snapshots.
func SnapshotPlan(plan *types.Plan) []NodeSnapshot {
	out := make([]NodeSnapshot, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		out = append(out, NodeSnapshot{
			Name:           n.Name,
			Tmpl:           n.Tmpl,
			Role:           string(n.Role),
			Deps:           append([]string(nil), n.Deps...),
			Section:        n.Contract.Section(),
			Tests:          append([]types.ContractTest(nil), n.Contract.Tests...),
			PromptOverride: n.PromptOverride,
		})
	}
	return out
}

// Signature derives the 16-hex k-line key for a classified query.
func Signature(kind types.ClassKind, query string) string {
	sum := sha256.Sum256([]byte(string(kind) + ":" + textutil.NormalizeQuery(query)))
	return hex.EncodeToString(sum[:])[:16]
}

// Retrieved is one scored retrieval hit.
type Retrieved struct {
	Sig   string
	Score float64
	Entry KLine
}

// embeddingFor returns the full-precision embedding for a stored entry,
// dequantizing or regenerating as needed. Caller holds s.mu.
func (s *Store) embeddingFor(sig string, entry *KLine) []float32 {
	if vec, ok := s.embedCache[sig]; ok {
		return vec
	}
	var vec []float32
	if len(entry.EmbeddingQ) == s.embedDim {
		vec = embedding.Dequantize(entry.EmbeddingQ)
	} else {
		vec = embedding.HashEmbed(textutil.NormalizeQuery(entry.Query), s.embedDim)
	}
	s.embedCache[sig] = vec
	return vec
}

// simHeap is a min-heap over retrieval hits, keyed by raw similarity.
type simHeap []Retrieved

func (h simHeap) Len() int            { return len(h) }
func (h simHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h simHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *simHeap) Push(x interface{}) { *h = append(*h, x.(Retrieved)) }
func (h *simHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// QueryKLines retrieves up to 4*topK entries similar to text. The topK
// nearest entries above minSim are cluster-boosted by their linked
// neighbors, then expanded through children and links.
func (s *Store) QueryKLines(text string, topK int, minSim float64) []Retrieved {
	if topK <= 0 {
		topK = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	queryVec := embedding.HashEmbed(textutil.NormalizeQuery(text), s.embedDim)

	h := &simHeap{}
	heap.Init(h)
	for sig, entry := range s.data.KLines {
		sim := embedding.Cosine(queryVec, s.embeddingFor(sig, entry))
		if sim < minSim {
			continue
		}
		heap.Push(h, Retrieved{Sig: sig, Score: sim, Entry: *entry})
		if h.Len() > topK {
			heap.Pop(h)
		}
	}
	if h.Len() == 0 {
		return nil
	}

	// Cluster bonus: reward candidates whose linked neighbors also
	// resemble the query.
	candidates := make([]Retrieved, h.Len())
	copy(candidates, *h)
	for i := range candidates {
		entry := s.data.KLines[candidates[i].Sig]
		for neighborSig, w := range entry.Links {
			neighbor, ok := s.data.KLines[neighborSig]
			if !ok {
				continue
			}
			candidates[i].Score += 0.1 * w * embedding.Cosine(queryVec, s.embeddingFor(neighborSig, neighbor))
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	// Expansion: walk children (for composite parents) with 0.98 decay per
	// step and linked neighbors with 0.97 decay, depth-bounded.
	limit := 4 * topK
	seen := make(map[string]bool, len(candidates))
	results := make([]Retrieved, 0, limit)
	for _, c := range candidates {
		seen[c.Sig] = true
		results = append(results, c)
	}

	type frontierItem struct {
		sig   string
		score float64
		depth int
	}
	frontier := make([]frontierItem, 0, len(candidates))
	for _, c := range candidates {
		frontier = append(frontier, frontierItem{c.Sig, c.Score, 0})
	}
	for len(frontier) > 0 && len(results) < limit {
		item := frontier[0]
		frontier = frontier[1:]
		if item.depth >= 3 {
			continue
		}
		entry, ok := s.data.KLines[item.sig]
		if !ok {
			continue
		}
		expand := func(sig string, score float64) {
			if seen[sig] || len(results) >= limit {
				return
			}
			child, ok := s.data.KLines[sig]
			if !ok {
				return
			}
			seen[sig] = true
			results = append(results, Retrieved{Sig: sig, Score: score, Entry: *child})
			frontier = append(frontier, frontierItem{sig, score, item.depth + 1})
		}
		if entry.Level >= 1 {
			for _, childSig := range entry.Children {
				expand(childSig, item.score*0.98)
			}
		}
		for neighborSig := range entry.Links {
			expand(neighborSig, item.score*0.97)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	s.log.Debug("query_klines: %d hits for %q", len(results), textutil.Preview(text, 60))
	return results
}

// SummarizeNeighbors condenses a retrieval result into a hint block for
// the planning prompt: average similarity, common plan shapes, weak node
// names, top recommendations, and the classification mix. Capped at
// charBudget characters.
func SummarizeNeighbors(results []Retrieved, charBudget int) string {
	if len(results) == 0 {
		return ""
	}
	if charBudget <= 0 {
		charBudget = 1200
	}

	var simSum float64
	shapeCount := map[string]int{}
	weakCount := map[string]int{}
	recCount := map[string]int{}
	kindCount := map[types.ClassKind]int{}
	for _, r := range results {
		simSum += r.Score
		kindCount[r.Entry.Classification.Kind]++
		if len(r.Entry.Nodes) > 0 {
			names := make([]string, len(r.Entry.Nodes))
			okSet := map[string]bool{}
			for _, ok := range r.Entry.OKNodes {
				okSet[ok] = true
			}
			for i, n := range r.Entry.Nodes {
				names[i] = n.Name
				if !okSet[n.Name] {
					weakCount[n.Name]++
				}
			}
			shapeCount[strings.Join(names, " > ")]++
		}
		for _, rec := range r.Entry.GlobalRecs {
			recCount[rec]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prior similar runs: %d (avg similarity %.2f)\n", len(results), simSum/float64(len(results)))

	if kinds := topCounted(kindCountToStr(kindCount), 3); len(kinds) > 0 {
		fmt.Fprintf(&b, "Classification mix: %s\n", strings.Join(kinds, ", "))
	}
	if shapes := topCounted(shapeCount, 2); len(shapes) > 0 {
		b.WriteString("Common plan shapes:\n")
		for _, shape := range shapes {
			fmt.Fprintf(&b, "- %s\n", shape)
		}
	}
	if weak := topCounted(weakCount, 3); len(weak) > 0 {
		fmt.Fprintf(&b, "Frequently weak nodes: %s\n", strings.Join(weak, ", "))
	}
	if recs := topCounted(recCount, 3); len(recs) > 0 {
		b.WriteString("Recurring recommendations:\n")
		for _, rec := range recs {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}

	return textutil.Truncate(strings.TrimRight(b.String(), "\n"), charBudget)
}

func kindCountToStr(in map[types.ClassKind]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%s x%d", k, v)] = v
	}
	return out
}

// topCounted returns up to n keys ordered by descending count, ties by key.
func topCounted(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// UpsertKLine merges payload into the entry at sig. The query embedding is
// recomputed and stored quantized only; any cached full-precision copy for
// the signature is replaced. Oldest entries are pruned past the cap.
func (s *Store) UpsertKLine(sig string, payload KLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data.KLines[sig]
	if !ok {
		entry = &KLine{Links: map[string]float64{}}
		s.data.KLines[sig] = entry
	}
	if payload.Query != "" {
		entry.Query = payload.Query
	}
	if payload.Classification.Kind != "" {
		entry.Classification = payload.Classification
	}
	if payload.Nodes != nil {
		entry.Nodes = payload.Nodes
	}
	if payload.OKNodes != nil {
		entry.OKNodes = payload.OKNodes
	}
	if payload.GlobalRecs != nil {
		entry.GlobalRecs = payload.GlobalRecs
	}
	if payload.Level > entry.Level {
		entry.Level = payload.Level
	}
	if payload.Children != nil {
		entry.Children = payload.Children
	}
	entry.TS = now()

	if entry.Query != "" {
		vec := embedding.HashEmbed(textutil.NormalizeQuery(entry.Query), s.embedDim)
		entry.EmbeddingQ = embedding.Quantize(vec)
		s.embedCache[sig] = vec
	}

	s.pruneLocked()
	return s.saveLocked()
}

// pruneLocked evicts the oldest entries past maxEntries. Caller holds s.mu.
func (s *Store) pruneLocked() {
	excess := len(s.data.KLines) - s.maxEntries
	if excess <= 0 {
		return
	}
	type aged struct {
		sig string
		ts  int64
	}
	all := make([]aged, 0, len(s.data.KLines))
	for sig, e := range s.data.KLines {
		all = append(all, aged{sig, e.TS})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts < all[j].ts })
	for i := 0; i < excess; i++ {
		delete(s.data.KLines, all[i].sig)
		delete(s.embedCache, all[i].sig)
	}
	s.log.Info("pruned %d oldest k-lines (cap %d)", excess, s.maxEntries)
}

// GetKLine returns a copy of the entry at sig.
func (s *Store) GetKLine(sig string) (KLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data.KLines[sig]
	if !ok {
		return KLine{}, false
	}
	return *entry, true
}

// IncrementPenalty bumps the penalty counter (QA failure or contradiction).
func (s *Store) IncrementPenalty(sig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data.KLines[sig]
	if !ok {
		return nil
	}
	entry.Penalty++
	return s.saveLocked()
}

// LinkKLines bidirectionally assigns weight between two entries.
func (s *Store) LinkKLines(a, b string, weight float64) error {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ea, okA := s.data.KLines[a]
	eb, okB := s.data.KLines[b]
	if !okA || !okB || a == b {
		return fmt.Errorf("link_klines: both signatures must exist and differ")
	}
	if ea.Links == nil {
		ea.Links = map[string]float64{}
	}
	if eb.Links == nil {
		eb.Links = map[string]float64{}
	}
	ea.Links[b] = weight
	eb.Links[a] = weight
	return s.saveLocked()
}

// ClusterRetrieve returns up to maxNeighbors of sig's linked entries,
// strongest links first.
func (s *Store) ClusterRetrieve(sig string, maxNeighbors int) []Retrieved {
	if maxNeighbors <= 0 {
		maxNeighbors = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data.KLines[sig]
	if !ok {
		return nil
	}
	out := make([]Retrieved, 0, len(entry.Links))
	for neighborSig, w := range entry.Links {
		if neighbor, ok := s.data.KLines[neighborSig]; ok {
			out = append(out, Retrieved{Sig: neighborSig, Score: w, Entry: *neighbor})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Sig < out[j].Sig
	})
	if len(out) > maxNeighbors {
		out = out[:maxNeighbors]
	}
	return out
}

// AppendKLineTrace appends an execution snapshot, keeping the most recent
// traces only.
func (s *Store) AppendKLineTrace(sig string, trace Trace) error {
	const maxTraces = 10
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data.KLines[sig]
	if !ok {
		entry = &KLine{Links: map[string]float64{}, TS: now()}
		s.data.KLines[sig] = entry
	}
	if trace.TS == 0 {
		trace.TS = now()
	}
	entry.Traces = append(entry.Traces, trace)
	if len(entry.Traces) > maxTraces {
		entry.Traces = entry.Traces[len(entry.Traces)-maxTraces:]
	}
	return s.saveLocked()
}

// ReplayKLine reconstructs plan nodes from the latest trace, falling back
// to the legacy nodes field. Malformed snapshots are skipped silently.
func (s *Store) ReplayKLine(sig string) []types.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data.KLines[sig]
	if !ok {
		return nil
	}
	snapshots := entry.Nodes
	if len(entry.Traces) > 0 {
		latest := entry.Traces[len(entry.Traces)-1]
		if len(latest.Nodes) > 0 {
			snapshots = latest.Nodes
		}
	}

	nodes := make([]types.Node, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Name == "" {
			continue
		}
		section := snap.Section
		if section == "" {
			section = types.TitleCase(snap.Name)
		}
		role := types.Role(snap.Role)
		if role != types.RoleBackbone && role != types.RoleAdjunct {
			role = types.RoleAdjunct
		}
		tmpl := snap.Tmpl
		if tmpl == "" {
			tmpl = "GENERIC"
		}
		contract := types.Contract{
			Format: map[string]string{"markdown_section": section},
			Tests:  append([]types.ContractTest(nil), snap.Tests...),
		}
		contract.Normalize(section)
		nodes = append(nodes, types.Node{
			Name:           snap.Name,
			Tmpl:           tmpl,
			Deps:           append([]string(nil), snap.Deps...),
			Contract:       contract,
			Role:           role,
			PromptOverride: snap.PromptOverride,
		})
	}
	return nodes
}

// PromoteKLine creates or updates a synthetic composite parent over the
// children: missing child signatures are added and the parent level is set
// to max(child levels) + 1.
func (s *Store) PromoteKLine(parentSig string, childSigs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.data.KLines[parentSig]
	if !ok {
		parent = &KLine{Links: map[string]float64{}}
		s.data.KLines[parentSig] = parent
	}

	have := make(map[string]bool, len(parent.Children))
	for _, c := range parent.Children {
		have[c] = true
	}
	maxChildLevel := 0
	for _, sig := range childSigs {
		child, ok := s.data.KLines[sig]
		if !ok {
			continue
		}
		if child.Level > maxChildLevel {
			maxChildLevel = child.Level
		}
		if !have[sig] {
			parent.Children = append(parent.Children, sig)
			have[sig] = true
		}
	}
	// Recheck existing children for the level computation.
	for _, sig := range parent.Children {
		if child, ok := s.data.KLines[sig]; ok && child.Level > maxChildLevel {
			maxChildLevel = child.Level
		}
	}
	parent.Level = maxChildLevel + 1
	parent.TS = now()
	return s.saveLocked()
}
