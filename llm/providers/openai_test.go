package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/llm"
)

func TestOpenAIBuildURL(t *testing.T) {
	p := &OpenAIProvider{}

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.BuildURL(""))
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", p.BuildURL("http://localhost:11434/v1/"))
	assert.Equal(t, "http://x/v1/chat/completions", p.BuildURL("http://x/v1/chat/completions"))
}

func TestOpenAIBuildRequestBody(t *testing.T) {
	p := &OpenAIProvider{}
	temp := 0.3

	body, err := p.BuildRequestBody("gpt-4o-mini", []llm.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, &temp, 512)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "gpt-4o-mini", req["model"])
	assert.Equal(t, 0.3, req["temperature"])
	assert.Equal(t, float64(512), req["max_tokens"])
	assert.Len(t, req["messages"], 2)
}

func TestOpenAIParseResponse(t *testing.T) {
	p := &OpenAIProvider{}
	body := []byte(`{
		"model": "gpt-4o-mini",
		"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	resp, err := p.ParseResponse(body, "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "m")
	assert.Error(t, err)
}

func TestAnthropicHeadersAndBody(t *testing.T) {
	p := &AnthropicProvider{}

	req, err := http.NewRequest(http.MethodPost, "http://x", nil)
	require.NoError(t, err)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	p.SetHeaders(req)
	assert.Equal(t, "test-key", req.Header.Get("x-api-key"))
	assert.NotEmpty(t, req.Header.Get("anthropic-version"))

	body, err := p.BuildRequestBody("claude-sonnet", []llm.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, nil, 0)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	// System messages ride the dedicated field, not the messages array.
	assert.Equal(t, "be brief", parsed["system"])
	assert.Len(t, parsed["messages"], 1)
	assert.NotNil(t, parsed["max_tokens"])
}

func TestAnthropicParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	body := []byte(`{
		"model": "claude-sonnet",
		"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	resp, err := p.ParseResponse(body, "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}
