package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	anthropicURL          = "https://api.anthropic.com"
	anthropicVersion      = "2023-06-01"
)

// Anthropic classifies through the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropic creates an Anthropic classifier.
func NewAnthropic(apiKey, baseURL, modelName string, maxTokens int, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicURL
	}
	if modelName == "" || strings.HasPrefix(modelName, "gpt-") {
		modelName = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 16
	}
	return &Anthropic{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
	}
}

// Classify implements Classifier.
func (a *Anthropic) Classify(ctx context.Context, in Input) (string, error) {
	resp, err := a.callAPI(ctx, in)
	if err != nil {
		return "", err
	}

	var text []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = append(text, block.Text)
		}
	}
	if len(text) == 0 {
		return "", errors.New("anthropic: response has no text content")
	}
	return NormalizeLabel(strings.Join(text, "")), nil
}

// callAPI makes a single request to the Messages API.
func (a *Anthropic) callAPI(ctx context.Context, in Input) (*messagesResponse, error) {
	reqBody := messagesRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    systemPrompt(in.WorkProfile),
		Messages: []message{
			{Role: "user", Content: []contentBlock{{Type: "text", Text: userPrompt(in)}}},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling anthropic API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return nil, &ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	var result messagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
