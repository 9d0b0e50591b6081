package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// GoogleClient implements Client using the Generative Language API.
type GoogleClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGoogleClient creates a client for the Gemini API.
// Model defaults to "gemini-2.5-flash" if empty.
func NewGoogleClient(apiKey, model string) *GoogleClient {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GoogleClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://generativelanguage.googleapis.com",
		client:  http.DefaultClient,
	}
}

// WithBaseURL overrides the endpoint, used by tests.
func (c *GoogleClient) WithBaseURL(u string) *GoogleClient {
	c.baseURL = u
	return c
}

func (c *GoogleClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (Response, error) {
	system, rest := systemAndUser(messages)

	contents := make([]map[string]any, 0, len(rest))
	for _, m := range rest {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}

	genCfg := map[string]any{}
	if opts.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		genCfg["temperature"] = *opts.Temperature
	}
	if opts.JSONMode {
		genCfg["responseMimeType"] = "application/json"
	}

	body := map[string]any{"contents": contents}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": system}},
		}
	}
	if len(genCfg) > 0 {
		body["generationConfig"] = genCfg
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

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
		return Response{}, fmt.Errorf("google API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Response{}, fmt.Errorf("parsing response: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return Response{}, fmt.Errorf("no candidates in response")
	}

	out := Response{
		Content:  result.Candidates[0].Content.Parts[0].Text,
		Model:    c.model,
		Provider: "google",
	}
	out.Usage.Prompt = result.UsageMetadata.PromptTokenCount
	out.Usage.Completion = result.UsageMetadata.CandidatesTokenCount
	out.Usage.Total = result.UsageMetadata.TotalTokenCount
	if out.Usage.Total == 0 {
		out.Usage.Total = out.Usage.Prompt + out.Usage.Completion
	}
	return out, nil
}
