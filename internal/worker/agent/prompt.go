package agent

import (
	"fmt"
	"sort"
	"strings"
)

// SignalContext carries everything the prompt needs about the work item.
type SignalContext struct {
	Source        string
	Repo          string
	IssueNumber   int
	Title         string
	Body          string
	Metadata      map[string]any
	ProjectFields map[string]any
	// Clarifications are prior answered Q/A pairs, injected on retry attempts.
	Clarifications []QA
}

// QA is one answered clarification from a previous attempt.
type QA struct {
	Question string
	Answer   string
}

const maxPromptComments = 5

// BuildPrompt assembles the agent prompt deterministically from the signal
// context. The same context always yields the same prompt, so retries of the
// same attempt are reproducible.
func BuildPrompt(sig SignalContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Task\n")
	if sig.Repo != "" {
		fmt.Fprintf(&b, "**Source**: %s %s#%d\n", sig.Source, sig.Repo, sig.IssueNumber)
	}
	fmt.Fprintf(&b, "**Title**: %s\n", sig.Title)
	if sig.Body != "" {
		fmt.Fprintf(&b, "\n**Description**:\n%s\n", sig.Body)
	}

	writeEnrichment(&b, sig.Metadata)
	writeProjectFields(&b, sig.ProjectFields)

	if len(sig.Clarifications) > 0 {
		b.WriteString("\n## Previous Clarifications\n")
		for _, qa := range sig.Clarifications {
			fmt.Fprintf(&b, "**Q**: %s\n**A**: %s\n\n", qa.Question, qa.Answer)
		}
	}

	b.WriteString(`
## Instructions
1. Analyze the task and implement the required changes
2. Run any relevant tests to verify your changes
3. If you encounter blocking issues, use AskUserQuestion to request clarification; batch all your questions into a single tool call

## Success Criteria
- Complete the requested task
- Ensure tests pass (if available)
- Keep changes focused and minimal
`)
	return b.String()
}

// writeEnrichment renders labels, assignees, and up to five discussion
// comments from the signal metadata.
func writeEnrichment(b *strings.Builder, meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	if labels := stringList(meta["labels"]); len(labels) > 0 {
		fmt.Fprintf(b, "**Labels**: %s\n", strings.Join(labels, ", "))
	}
	if assignees := stringList(meta["assignees"]); len(assignees) > 0 {
		fmt.Fprintf(b, "**Assignees**: %s\n", strings.Join(assignees, ", "))
	}
	comments, _ := meta["comments"].([]any)
	if len(comments) == 0 {
		return
	}
	if len(comments) > maxPromptComments {
		comments = comments[:maxPromptComments]
	}
	b.WriteString("\n## Discussion\n")
	for _, c := range comments {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		author, _ := m["author"].(string)
		body, _ := m["body"].(string)
		fmt.Fprintf(b, "**%s**: %s\n", author, body)
	}
}

func writeProjectFields(b *strings.Builder, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("\n## Project Fields\n")
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %v\n", k, fields[k])
	}
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
