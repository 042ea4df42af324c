package pipeline

import (
	"fmt"
	"strings"
)

// ReviewResult is the phase-3 reviewer's structured output as the gate
// reads it back from the task run. The Approved field is what the
// reviewing model claimed; the gate recomputes approval from the score
// and never trusts this field.
type ReviewResult struct {
	Score    float64       `json:"score"`
	Approved bool          `json:"approved"`
	Summary  string        `json:"summary,omitempty"`
	Issues   []ReviewIssue `json:"issues,omitempty"`
}

// ReviewIssue is one structured finding from the quality review. Issues
// are folded into the content assembler's input on a gate retry so it
// can target corrections.
type ReviewIssue struct {
	Section    string `json:"section,omitempty"`
	Severity   string `json:"severity"` // "error", "warning", or "info"
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ParseReviewResult extracts a ReviewResult from a reviewer task's
// output payload.
func ParseReviewResult(output map[string]any) (*ReviewResult, error) {
	if output == nil {
		return nil, fmt.Errorf("review output is empty")
	}
	score, ok := output["score"].(float64)
	if !ok {
		return nil, fmt.Errorf("review output missing numeric score")
	}
	result := &ReviewResult{Score: score}
	result.Approved, _ = output["approved"].(bool)
	result.Summary, _ = output["summary"].(string)

	rawIssues, _ := output["issues"].([]any)
	for _, raw := range rawIssues {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		issue := ReviewIssue{}
		issue.Section, _ = m["section"].(string)
		issue.Severity, _ = m["severity"].(string)
		issue.Issue, _ = m["issue"].(string)
		issue.Suggestion, _ = m["suggestion"].(string)
		result.Issues = append(result.Issues, issue)
	}
	return result, nil
}

// FormatIssues renders issues as human-readable markdown for embedding
// in the assembler's correction prompt.
func FormatIssues(issues []ReviewIssue) string {
	if len(issues) == 0 {
		return "No issues reported."
	}
	var sb strings.Builder
	for _, issue := range issues {
		sb.WriteString(fmt.Sprintf("- **[%s]**", strings.ToUpper(issue.Severity)))
		if issue.Section != "" {
			sb.WriteString(fmt.Sprintf(" %s", issue.Section))
		}
		sb.WriteString(fmt.Sprintf(": %s\n", issue.Issue))
		if issue.Suggestion != "" {
			sb.WriteString(fmt.Sprintf("  - Suggestion: %s\n", issue.Suggestion))
		}
	}
	return sb.String()
}
