package types

import (
	"fmt"
	"strings"
)

// =============================================================================
// CORE DATA MODEL
// =============================================================================
//
// Everything the planner emits and the executor consumes lives here: the
// query classification, per-node acceptance contracts, plan nodes, and the
// artifacts a run leaves behind on the blackboard. Packages above this one
// (planner, executor, orchestrator) share these shapes; nothing here imports
// anything but the standard library.

// ClassKind partitions queries by how much decomposition they need.
type ClassKind string

const (
	KindAtomic    ClassKind = "atomic"    // single deliverable
	KindHybrid    ClassKind = "hybrid"    // 2-4 interacting deliverables
	KindComposite ClassKind = "composite" // multi-phase plan
)

// Classification is the classifier's verdict on a query.
type Classification struct {
	Kind  ClassKind `json:"kind"`
	Score float64   `json:"score"` // in [0,1]
}

// SizeBounds returns the allowed plan length for a classification kind.
func (k ClassKind) SizeBounds() (min, max int) {
	switch k {
	case KindAtomic:
		return 1, 1
	case KindHybrid:
		return 2, 4
	case KindComposite:
		return 4, 8
	default:
		return 1, 1
	}
}

// TestKind names one acceptance check inside a Contract.
type TestKind string

const (
	TestNonempty      TestKind = "nonempty"
	TestRegex         TestKind = "regex"
	TestContains      TestKind = "contains"
	TestWordCountMin  TestKind = "word_count_min"
	TestHeaderPresent TestKind = "header_present"
)

// ContractTest is a single (kind, arg) acceptance check.
type ContractTest struct {
	Kind TestKind `json:"kind"`
	Arg  string   `json:"arg,omitempty"`
}

// Contract is a node's acceptance spec. Format always carries the
// "markdown_section" key; Tests always include a nonempty check and a
// header_present check for that section.
type Contract struct {
	Format map[string]string `json:"format"`
	Tests  []ContractTest    `json:"tests"`
}

// NewContract builds a contract for a markdown section title with the two
// mandatory tests plus any extras the caller supplies.
func NewContract(section string, extra ...ContractTest) Contract {
	c := Contract{
		Format: map[string]string{"markdown_section": section},
		Tests: []ContractTest{
			{Kind: TestNonempty},
			{Kind: TestHeaderPresent, Arg: section},
		},
	}
	c.Tests = append(c.Tests, extra...)
	return c
}

// Section returns the contract's markdown section title, or "" if unset.
func (c Contract) Section() string {
	if c.Format == nil {
		return ""
	}
	return c.Format["markdown_section"]
}

// Normalize repairs a contract decoded from untrusted JSON so the two
// mandatory tests are always present.
func (c *Contract) Normalize(fallbackSection string) {
	if c.Format == nil {
		c.Format = map[string]string{}
	}
	if c.Format["markdown_section"] == "" {
		c.Format["markdown_section"] = fallbackSection
	}
	section := c.Format["markdown_section"]
	hasNonempty, hasHeader := false, false
	for _, t := range c.Tests {
		switch t.Kind {
		case TestNonempty:
			hasNonempty = true
		case TestHeaderPresent:
			hasHeader = true
		}
	}
	if !hasNonempty {
		c.Tests = append(c.Tests, ContractTest{Kind: TestNonempty})
	}
	if !hasHeader {
		c.Tests = append(c.Tests, ContractTest{Kind: TestHeaderPresent, Arg: section})
	}
}

// Role places a node on the answer spine or in the enrichment layer.
type Role string

const (
	RoleBackbone Role = "backbone"
	RoleAdjunct  Role = "adjunct"
)

// Node is one unit of work in a Plan.
type Node struct {
	Name           string   `json:"name"` // lowercase slug, unique in the plan
	Tmpl           string   `json:"tmpl"`
	Deps           []string `json:"deps"`
	Contract       Contract `json:"contract"`
	Role           Role     `json:"role"`
	PromptOverride string   `json:"prompt_override,omitempty"`
}

// Plan is an ordered node list. Invariants after validation: unique names,
// deps reference only earlier nodes, acyclic, non-empty, size bounded by the
// run's classification.
type Plan struct {
	Nodes []Node `json:"nodes"`
}

// Index returns the position of a node by name, or -1.
func (p *Plan) Index(name string) int {
	for i, n := range p.Nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// Names returns node names in plan order.
func (p *Plan) Names() []string {
	out := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = n.Name
	}
	return out
}

// BackboneClosure returns the names of all backbone nodes plus their
// transitive dependencies, preserving plan order.
func (p *Plan) BackboneClosure() map[string]bool {
	byName := make(map[string]*Node, len(p.Nodes))
	for i := range p.Nodes {
		byName[p.Nodes[i].Name] = &p.Nodes[i]
	}
	closure := make(map[string]bool)
	var mark func(name string)
	mark = func(name string) {
		if closure[name] {
			return
		}
		n, ok := byName[name]
		if !ok {
			return
		}
		closure[name] = true
		for _, d := range n.Deps {
			mark(d)
		}
	}
	for _, n := range p.Nodes {
		if n.Role == RoleBackbone {
			mark(n.Name)
		}
	}
	return closure
}

// ArtifactStatus is the terminal state of one node's execution.
type ArtifactStatus string

const (
	StatusOK         ArtifactStatus = "ok"
	StatusNeedsDepth ArtifactStatus = "needs_more_depth"
	StatusFailed     ArtifactStatus = "failed"
	StatusBypassed   ArtifactStatus = "bypassed"
)

// IssueCode identifies why a QA test failed.
type IssueCode string

const (
	IssueEmptyContent     IssueCode = "empty_content"
	IssueRegexInvalid     IssueCode = "regex_invalid"
	IssueRegexNoMatch     IssueCode = "regex_no_match"
	IssueMissingSubstring IssueCode = "missing_substring"
	IssueWordCountShort   IssueCode = "word_count_short"
	IssueMissingHeader    IssueCode = "missing_header"
)

// PatchKind names one mechanical content repair.
type PatchKind string

const (
	PatchInsertHeader PatchKind = "insert_header"
	PatchAppendText   PatchKind = "append_text"
	PatchPrependText  PatchKind = "prepend_text"
	PatchRegexSub     PatchKind = "regex_sub"
)

// Patch is one suggested repair attached to a QA issue.
type Patch struct {
	Kind    PatchKind `json:"kind"`
	Title   string    `json:"title,omitempty"`   // insert_header
	Level   int       `json:"level,omitempty"`   // insert_header, 1..6
	Text    string    `json:"text,omitempty"`    // append_text / prepend_text
	Pattern string    `json:"pattern,omitempty"` // regex_sub
	Replace string    `json:"replace,omitempty"` // regex_sub
}

// Issue is one failed QA test with repair suggestions.
type Issue struct {
	Code             IssueCode `json:"code"`
	Details          string    `json:"details"`
	SuggestedPatches []Patch   `json:"suggested_patches,omitempty"`
}

// QAResult is the outcome of running a contract's tests over content.
type QAResult struct {
	OK     bool    `json:"ok"`
	Issues []Issue `json:"issues,omitempty"`
}

// HasPatches reports whether any issue carries a repair suggestion.
func (q QAResult) HasPatches() bool {
	for _, iss := range q.Issues {
		if len(iss.SuggestedPatches) > 0 {
			return true
		}
	}
	return false
}

// Guidance buckets a critique's advice by concern.
type Guidance struct {
	Structure string `json:"structure,omitempty"`
	Brevity   string `json:"brevity,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
}

// Critique is one judge's advisory verdict. Acceptance depends on QA, never
// on critiques.
type Critique struct {
	Judge    string   `json:"judge,omitempty"`
	Score    float64  `json:"score"` // in [0,1]
	Comments string   `json:"comments,omitempty"`
	Guidance Guidance `json:"guidance,omitempty"`
}

// Empty reports whether the guidance carries no advice.
func (g Guidance) Empty() bool {
	return g.Structure == "" && g.Brevity == "" && g.Evidence == ""
}

// Artifact is the generated content for one node plus its QA and critique
// metadata. Mutated only by the owning node task; read-only once on the
// blackboard.
type Artifact struct {
	Node            string         `json:"node"`
	Content         string         `json:"content"`
	QA              QAResult       `json:"qa"`
	Critiques       []Critique     `json:"critiques,omitempty"`
	Status          ArtifactStatus `json:"status"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Rounds          int            `json:"rounds"`
	Tokens          int            `json:"tokens"`
}

// Slugify lowers a name to the slug alphabet: lowercase alphanumerics with
// single underscores between runs.
func Slugify(s string) string {
	var b strings.Builder
	lastUnder := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnder = false
		default:
			if !lastUnder {
				b.WriteByte('_')
				lastUnder = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

// TitleCase uppercases the first letter of each word. Used for section
// titles derived from slugs.
func TitleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// String renders a classification for logs.
func (c Classification) String() string {
	return fmt.Sprintf("%s(%.2f)", c.Kind, c.Score)
}
