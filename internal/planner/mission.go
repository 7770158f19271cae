package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"reasonerd/internal/logging"
	"reasonerd/internal/types"
)

// =============================================================================
// MISSION PLAN COMPILER
// =============================================================================
//
// A mission is the structured strategy document an upstream agent embeds in
// the task between the mission tokens: per-objective stages, each carrying
// research queries and tactics that hand artifacts to each other. Compiling
// one is deterministic; the LLM already did the thinking upstream.

// MissionTactic is one concrete step inside a stage.
type MissionTactic struct {
	Name             string   `json:"name"` // t1, t2, ...
	Description      string   `json:"description"`
	Dependencies     []string `json:"dependencies,omitempty"`      // artifact names
	ExpectedArtifact string   `json:"expected_artifact,omitempty"` // artifact this tactic produces
}

// MissionStage is one objective with its queries and tactics.
type MissionStage struct {
	Objective string            `json:"objective"`
	Queries   map[string]string `json:"queries,omitempty"`
	Tactics   []MissionTactic   `json:"tactics,omitempty"`
}

// Mission is the parsed strategy document.
type Mission struct {
	QueryContext string         `json:"query_context,omitempty"`
	Stages       []MissionStage `json:"stages"`
}

var (
	tacticKeyPattern    = regexp.MustCompile(`^t\d+$`)
	objectiveKeyPattern = regexp.MustCompile(`^o\d+$`)
)

// ParseMission decodes mission JSON tolerantly: keys are matched
// case-insensitively, objectives may appear under O1..On keys, and
// malformed tactics are dropped rather than failing the parse.
func ParseMission(raw string) (*Mission, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &types.PlanningError{Reason: "mission JSON malformed", Err: err}
	}
	lower := map[string]interface{}{}
	for k, v := range doc {
		lower[strings.ToLower(k)] = v
	}

	m := &Mission{}
	if qc, ok := lower["query_context"].(string); ok {
		m.QueryContext = qc
	}

	stagesRaw, ok := lower["strategy"].([]interface{})
	if !ok {
		// Fallback shape: objectives as top-level O1..On keys.
		var keys []string
		for k := range lower {
			if objectiveKeyPattern.MatchString(k) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if stage, ok := parseStage(lower[k]); ok {
				m.Stages = append(m.Stages, stage)
			}
		}
	} else {
		for _, s := range stagesRaw {
			if stage, ok := parseStage(s); ok {
				m.Stages = append(m.Stages, stage)
			}
		}
	}

	if len(m.Stages) == 0 {
		return nil, &types.PlanningError{Reason: "mission has no usable objectives"}
	}
	return m, nil
}

func parseStage(v interface{}) (MissionStage, bool) {
	raw, ok := v.(map[string]interface{})
	if !ok {
		// An objective may be a bare string.
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) != "" {
			return MissionStage{Objective: strings.TrimSpace(s)}, true
		}
		return MissionStage{}, false
	}
	lower := map[string]interface{}{}
	for k, val := range raw {
		lower[strings.ToLower(k)] = val
	}

	var stage MissionStage
	if obj, ok := lower["objective"].(string); ok {
		stage.Objective = strings.TrimSpace(obj)
	}
	if queries, ok := lower["queries"].(map[string]interface{}); ok {
		stage.Queries = map[string]string{}
		for qk, qv := range queries {
			if s, isStr := qv.(string); isStr {
				stage.Queries[qk] = s
			}
		}
	}
	if tactics, ok := lower["tactics"].([]interface{}); ok {
		for _, t := range tactics {
			if tactic, ok := parseTactic(t); ok {
				stage.Tactics = append(stage.Tactics, tactic)
			}
		}
	}
	if stage.Objective == "" {
		return MissionStage{}, false
	}
	return stage, true
}

func parseTactic(v interface{}) (MissionTactic, bool) {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return MissionTactic{}, false
	}
	var t MissionTactic
	for k, val := range raw {
		key := strings.ToLower(k)
		switch {
		case tacticKeyPattern.MatchString(key):
			t.Name = key
			if s, isStr := val.(string); isStr {
				t.Description = strings.TrimSpace(s)
			}
		case key == "dependencies":
			if deps, isList := val.([]interface{}); isList {
				for _, d := range deps {
					if s, isStr := d.(string); isStr && s != "" {
						t.Dependencies = append(t.Dependencies, s)
					}
				}
			}
		case key == "expected_artifact":
			if s, isStr := val.(string); isStr {
				t.ExpectedArtifact = strings.TrimSpace(s)
			}
		}
	}
	if t.Name == "" || t.Description == "" {
		return MissionTactic{}, false
	}
	return t, true
}

// CompileMission lowers a mission into a plan. Per stage i (1-based):
//
//   - o{i}_queries: adjunct answering the stage's research questions;
//   - o{i}_{tK}: one adjunct per tactic; a declared dep naming a prior
//     tactic node is kept, one naming an earlier expected_artifact is
//     rewired to the producing node, anything else is left for the
//     validator to scrub;
//   - o{i}_objective: backbone section "O{i}: <objective>" depending on
//     the stage's tactic nodes plus the queries node when present;
//
// plus a closing final_synthesis backbone depending on every objective.
func CompileMission(m *Mission) *types.Plan {
	log := logging.Get(logging.CategoryPlanner)
	plan := &types.Plan{}
	artifactProducer := map[string]string{} // expected_artifact -> node name
	priorTactics := map[string]bool{}       // tactic node names emitted so far
	var objectiveNodes []string

	for i, stage := range m.Stages {
		prefix := fmt.Sprintf("o%d", i+1)

		var queriesNode string
		if len(stage.Queries) > 0 {
			queriesNode = prefix + "_queries"
			var qs []string
			var keys []string
			for k := range stage.Queries {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				qs = append(qs, fmt.Sprintf("%s: %s", k, stage.Queries[k]))
			}
			plan.Nodes = append(plan.Nodes, types.Node{
				Name: queriesNode,
				Tmpl: "QUERIES",
				Role: types.RoleAdjunct,
				Contract: types.NewContract(
					fmt.Sprintf("O%d Queries", i+1),
					types.ContractTest{Kind: types.TestWordCountMin, Arg: "30"},
				),
				PromptOverride: strings.Join(qs, "\n"),
			})
		}

		var tacticNodes []string
		for _, t := range stage.Tactics {
			name := fmt.Sprintf("%s_%s", prefix, t.Name)
			var deps []string
			seen := map[string]bool{}
			for _, dep := range t.Dependencies {
				resolved := dep
				if !priorTactics[dep] {
					if producer, ok := artifactProducer[dep]; ok {
						resolved = producer
					} else {
						log.Debug("tactic %s: dep %q unresolved, left for the validator", name, dep)
					}
				}
				if !seen[resolved] {
					seen[resolved] = true
					deps = append(deps, resolved)
				}
			}
			section := types.TitleCase(t.Name)
			if t.ExpectedArtifact != "" {
				stem := strings.TrimSuffix(t.ExpectedArtifact, ".md")
				section = types.TitleCase(types.Slugify(stem))
				artifactProducer[t.ExpectedArtifact] = name
			}
			plan.Nodes = append(plan.Nodes, types.Node{
				Name: name,
				Tmpl: "TACTIC",
				Deps: deps,
				Role: types.RoleAdjunct,
				Contract: types.NewContract(
					section,
					types.ContractTest{Kind: types.TestWordCountMin, Arg: "30"},
				),
				PromptOverride: t.Description,
			})
			tacticNodes = append(tacticNodes, name)
			priorTactics[name] = true
		}

		objName := prefix + "_objective"
		objDeps := append([]string{}, tacticNodes...)
		if queriesNode != "" {
			objDeps = append(objDeps, queriesNode)
		}
		title := stage.Objective
		if len(title) > 60 {
			title = strings.TrimSpace(title[:60])
		}
		plan.Nodes = append(plan.Nodes, types.Node{
			Name: objName,
			Tmpl: "OBJECTIVE",
			Deps: objDeps,
			Role: types.RoleBackbone,
			Contract: types.NewContract(
				fmt.Sprintf("O%d: %s", i+1, title),
				types.ContractTest{Kind: types.TestWordCountMin, Arg: "80"},
			),
			PromptOverride: stage.Objective,
		})
		objectiveNodes = append(objectiveNodes, objName)
	}

	plan.Nodes = append(plan.Nodes, types.Node{
		Name: "final_synthesis",
		Tmpl: "SYNTHESIS",
		Deps: objectiveNodes,
		Role: types.RoleBackbone,
		Contract: types.NewContract(
			"Final Synthesis",
			types.ContractTest{Kind: types.TestWordCountMin, Arg: "120"},
		),
	})
	trimToBounds(plan, types.KindComposite)
	return plan
}
