package qa

import (
	"regexp"
	"strings"

	"reasonerd/internal/types"
)

// PatchOutcome records one applied (or skipped) patch for stats.
type PatchOutcome struct {
	Kind types.PatchKind
	OK   bool
}

// ApplyPatches walks the issues in order and applies every suggested patch.
// Malformed patches are skipped, never aborting the pass. Returns the
// patched content and the per-patch outcomes.
func ApplyPatches(content string, issues []types.Issue) (string, []PatchOutcome) {
	var outcomes []PatchOutcome
	for _, issue := range issues {
		for _, p := range issue.SuggestedPatches {
			patched, ok := applyOne(content, p)
			if ok {
				content = patched
			}
			outcomes = append(outcomes, PatchOutcome{Kind: p.Kind, OK: ok})
		}
	}
	return content, outcomes
}

func applyOne(content string, p types.Patch) (string, bool) {
	switch p.Kind {
	case types.PatchInsertHeader:
		if p.Title == "" {
			return content, false
		}
		level := p.Level
		if level < 1 || level > 6 {
			level = 2
		}
		header := strings.Repeat("#", level) + " " + p.Title
		// Replace an existing heading with the same title at any level,
		// otherwise prepend.
		lines := strings.Split(content, "\n")
		want := strings.ToLower(strings.TrimSpace(p.Title))
		for i, line := range lines {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "#") {
				continue
			}
			if strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#"))) == want {
				lines[i] = header
				return strings.Join(lines, "\n"), true
			}
		}
		if content == "" {
			return header + "\n", true
		}
		return header + "\n\n" + content, true

	case types.PatchAppendText:
		if p.Text == "" {
			return content, false
		}
		return content + p.Text, true

	case types.PatchPrependText:
		if p.Text == "" {
			return content, false
		}
		return p.Text + content, true

	case types.PatchRegexSub:
		if p.Pattern == "" {
			return content, false
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return content, false
		}
		return re.ReplaceAllString(content, p.Replace), true

	default:
		return content, false
	}
}
