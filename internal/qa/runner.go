// Package qa runs contract acceptance tests over node content and applies
// the mechanical patches those tests suggest.
package qa

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"reasonerd/internal/textutil"
	"reasonerd/internal/types"
)

// Run evaluates every test in the contract, in order, against content.
func Run(content string, c types.Contract) types.QAResult {
	result := types.QAResult{OK: true}
	for _, test := range c.Tests {
		if issue := runTest(content, test); issue != nil {
			result.OK = false
			result.Issues = append(result.Issues, *issue)
		}
	}
	return result
}

func runTest(content string, test types.ContractTest) *types.Issue {
	switch test.Kind {
	case types.TestNonempty:
		if textutil.WordCount(content) < 1 {
			return &types.Issue{
				Code:    types.IssueEmptyContent,
				Details: "content has no words",
			}
		}

	case types.TestRegex:
		re, err := regexp.Compile("(?im)" + test.Arg)
		if err != nil {
			return &types.Issue{
				Code:    types.IssueRegexInvalid,
				Details: fmt.Sprintf("invalid pattern %q: %v", test.Arg, err),
			}
		}
		if !re.MatchString(content) {
			return &types.Issue{
				Code:    types.IssueRegexNoMatch,
				Details: fmt.Sprintf("pattern %q not matched", test.Arg),
			}
		}

	case types.TestContains:
		if !strings.Contains(strings.ToLower(content), strings.ToLower(test.Arg)) {
			return &types.Issue{
				Code:    types.IssueMissingSubstring,
				Details: fmt.Sprintf("missing substring %q", test.Arg),
			}
		}

	case types.TestWordCountMin:
		min, err := strconv.Atoi(strings.TrimSpace(test.Arg))
		if err != nil || min <= 0 {
			return nil // unparseable arg, test is vacuous
		}
		if got := textutil.WordCount(content); got < min {
			return &types.Issue{
				Code:    types.IssueWordCountShort,
				Details: fmt.Sprintf("word count %d below minimum %d", got, min),
				SuggestedPatches: []types.Patch{{
					Kind: types.PatchAppendText,
					Text: fmt.Sprintf("\n\nExpand this section with at least %d more words of concrete detail.", min-got),
				}},
			}
		}

	case types.TestHeaderPresent:
		if !HeaderPresent(content, test.Arg) {
			return &types.Issue{
				Code:    types.IssueMissingHeader,
				Details: fmt.Sprintf("missing markdown header %q", test.Arg),
				SuggestedPatches: []types.Patch{{
					Kind:  types.PatchInsertHeader,
					Title: test.Arg,
					Level: 2,
				}},
			}
		}
	}
	return nil
}

// HeaderPresent reports whether content has an H1-H6 heading whose title
// equals the arg, case-insensitively.
func HeaderPresent(content, title string) bool {
	want := strings.ToLower(strings.TrimSpace(title))
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		got := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		if strings.ToLower(got) == want {
			return true
		}
	}
	return false
}
