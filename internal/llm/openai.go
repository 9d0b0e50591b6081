package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OpenAICompatClient talks to any Chat Completions compatible endpoint.
// OpenAI and Groq share this wire format.
type OpenAICompatClient struct {
	provider string
	baseURL  string
	apiKey   string
	model    string
	client   *http.Client
}

// NewOpenAIClient creates a client for the OpenAI API.
// Model defaults to "gpt-5.2" if empty.
func NewOpenAIClient(apiKey, model string) *OpenAICompatClient {
	if model == "" {
		model = "gpt-5.2"
	}
	return &OpenAICompatClient{
		provider: "openai",
		baseURL:  "https://api.openai.com/v1",
		apiKey:   apiKey,
		model:    model,
		client:   http.DefaultClient,
	}
}

// NewGroqClient creates a client for the Groq API, which speaks the
// OpenAI wire format. Model defaults to "llama-3.3-70b-versatile" if empty.
func NewGroqClient(apiKey, model string) *OpenAICompatClient {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &OpenAICompatClient{
		provider: "groq",
		baseURL:  "https://api.groq.com/openai/v1",
		apiKey:   apiKey,
		model:    model,
		client:   http.DefaultClient,
	}
}

// WithBaseURL overrides the endpoint, used by tests.
func (c *OpenAICompatClient) WithBaseURL(u string) *OpenAICompatClient {
	c.baseURL = u
	return c
}

func (c *OpenAICompatClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (Response, error) {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	body := map[string]any{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if opts.Temperature != nil {
		body["temperature"] = *opts.Temperature
	}
	if opts.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("%s API error (%d): %s", c.provider, resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Response{}, fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices in response")
	}

	out := Response{
		Content:  result.Choices[0].Message.Content,
		Model:    c.model,
		Provider: c.provider,
	}
	if result.Model != "" {
		out.Model = result.Model
	}
	out.Usage.Prompt = result.Usage.PromptTokens
	out.Usage.Completion = result.Usage.CompletionTokens
	out.Usage.Total = result.Usage.TotalTokens
	if out.Usage.Total == 0 {
		out.Usage.Total = out.Usage.Prompt + out.Usage.Completion
	}
	return out, nil
}
