package planner

import (
	"sort"
	"strings"
)

// Prompt templates keyed by tmpl id. Placeholders {query}, {deps} and
// {section} are substituted at prompt-assembly time; unknown ids resolve
// to GENERIC.
var templates = map[string]string{
	"GENERIC": "Write the \"{section}\" section for the request below. " +
		"Start with a \"## {section}\" header and write focused markdown prose.\n\n" +
		"Request: {query}\n\nContext from earlier sections:\n{deps}",

	"FACTS": "List the established facts relevant to the request below as a " +
		"\"## {section}\" markdown section. State only what is known, no speculation.\n\n" +
		"Request: {query}\n\nContext from earlier sections:\n{deps}",

	"ANALYSIS": "Analyze the request below in a \"## {section}\" markdown section. " +
		"Weigh trade-offs explicitly and support each claim with the context provided.\n\n" +
		"Request: {query}\n\nContext from earlier sections:\n{deps}",

	"SYNTHESIS": "Synthesize the earlier sections into a coherent \"## {section}\" " +
		"markdown section answering the request below. Resolve tensions between " +
		"sections rather than restating them.\n\n" +
		"Request: {query}\n\nEarlier sections:\n{deps}",

	"OBJECTIVE": "Deliver the objective described below as a \"## {section}\" markdown " +
		"section, building on the tactic outputs provided.\n\n" +
		"Objective: {query}\n\nTactic outputs:\n{deps}",

	"QUERIES": "Answer the research questions below inside a \"## {section}\" markdown " +
		"section, one short subsection per question.\n\n" +
		"Questions: {query}\n\nContext:\n{deps}",

	"TACTIC": "Produce the working artifact described below as a \"## {section}\" " +
		"markdown section. Be concrete; later sections depend on this output.\n\n" +
		"Task: {query}\n\nInputs:\n{deps}",
}

// Template resolves a tmpl id to its prompt text, defaulting to GENERIC.
func Template(id string) string {
	if t, ok := templates[strings.ToUpper(strings.TrimSpace(id))]; ok {
		return t
	}
	return templates["GENERIC"]
}

// KnownTemplate reports whether the id names a registered template.
func KnownTemplate(id string) bool {
	_, ok := templates[strings.ToUpper(strings.TrimSpace(id))]
	return ok
}

// TemplateIDs lists the registered ids. Used by the free-form planner
// prompt so the LLM picks from real templates.
func TemplateIDs() []string {
	out := make([]string, 0, len(templates))
	for id := range templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
