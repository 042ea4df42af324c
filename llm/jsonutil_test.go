package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bare object",
			content: `{"score": 8}`,
			want:    `{"score": 8}`,
		},
		{
			name:    "code fence",
			content: "Here is the review:\n```json\n{\"score\": 8}\n```\nDone.",
			want:    `{"score": 8}`,
		},
		{
			name:    "fence without language",
			content: "```\n{\"score\": 8}\n```",
			want:    `{"score": 8}`,
		},
		{
			name:    "surrounding prose",
			content: `The result is {"score": 8} as requested.`,
			want:    `{"score": 8}`,
		},
		{
			name:    "no json at all",
			content: "I cannot answer that.",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.content))
		})
	}
}

func TestExtractJSONCleansModelArtifacts(t *testing.T) {
	content := "```json\n" +
		"{\n" +
		"  \"score\": 8, // looks good\n" +
		"  \"issues\": [\"a\", \"b\",],\n" +
		"}\n" +
		"```"

	cleaned := ExtractJSON(content)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(cleaned), &parsed))
	assert.Equal(t, float64(8), parsed["score"])
	assert.Len(t, parsed["issues"], 2)
}

func TestExtractJSONPreservesSlashesInStrings(t *testing.T) {
	content := `{"url": "https://example.com/path"}`
	cleaned := ExtractJSON(content)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(cleaned), &parsed))
	assert.Equal(t, "https://example.com/path", parsed["url"])
}
