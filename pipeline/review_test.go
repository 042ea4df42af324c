package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/pipeline"
)

func TestParseReviewResult(t *testing.T) {
	output := map[string]any{
		"score":    6.5,
		"approved": false,
		"summary":  "solid draft, weak about page",
		"issues": []any{
			map[string]any{
				"section":    "about",
				"severity":   "error",
				"issue":      "no team history",
				"suggestion": "add founding story",
			},
			"not an object, ignored",
		},
	}

	review, err := pipeline.ParseReviewResult(output)
	require.NoError(t, err)
	assert.Equal(t, 6.5, review.Score)
	assert.False(t, review.Approved)
	require.Len(t, review.Issues, 1)
	assert.Equal(t, "about", review.Issues[0].Section)
	assert.Equal(t, "add founding story", review.Issues[0].Suggestion)
}

func TestParseReviewResultMissingScore(t *testing.T) {
	_, err := pipeline.ParseReviewResult(map[string]any{"approved": true})
	assert.Error(t, err)

	_, err = pipeline.ParseReviewResult(nil)
	assert.Error(t, err)
}

func TestFormatIssues(t *testing.T) {
	issues := []pipeline.ReviewIssue{
		{Section: "home", Severity: "error", Issue: "generic hero", Suggestion: "name the product"},
		{Severity: "warning", Issue: "long paragraphs"},
	}

	got := pipeline.FormatIssues(issues)
	assert.Contains(t, got, "[ERROR]")
	assert.Contains(t, got, "home")
	assert.Contains(t, got, "name the product")
	assert.Contains(t, got, "[WARNING]")

	assert.Equal(t, "No issues reported.", pipeline.FormatIssues(nil))
}
