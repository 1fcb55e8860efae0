package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultXAIBaseURL is the xAI OpenAI-compatible endpoint.
	DefaultXAIBaseURL = "https://api.x.ai/v1"
	// DefaultOpenAIBaseURL is the OpenAI endpoint.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	// DefaultTimeout bounds a single completion request.
	DefaultTimeout = 30 * time.Second
)

// OpenAIClient implements Client using the OpenAI-compatible chat completions
// API. xAI, OpenAI, vLLM and LiteLLM all speak it.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) OpenAIOption {
	return func(o *OpenAIClient) {
		if u != "" {
			o.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(o *OpenAIClient) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewOpenAIClient creates a client for an OpenAI-compatible API. The base URL
// defaults to xAI.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    DefaultXAIBaseURL,
		apiKey:     apiKey,
		timeout:    DefaultTimeout,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- OpenAI API request/response types ---

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type oaiMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
	Error   *oaiError   `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Chat sends a non-streaming chat request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.httpError(resp)
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return c.parseResponse(&oaiResp)
}

func (c *OpenAIClient) buildRequest(req ChatRequest) oaiRequest {
	messages := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		content := m.Content
		messages = append(messages, oaiMessage{Role: string(m.Role), Content: &content})
	}

	oaiReq := oaiRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	return oaiReq
}

func (c *OpenAIClient) httpError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var oaiErr oaiResponse
	if err := json.Unmarshal(raw, &oaiErr); err == nil && oaiErr.Error != nil {
		msg := oaiErr.Error.Message
		if oaiErr.Error.Type != "" {
			msg = oaiErr.Error.Type + ": " + msg
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}

func (c *OpenAIClient) parseResponse(resp *oaiResponse) (*ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &TransportError{Err: fmt.Errorf("%w: no choices", ErrEmptyCompletion)}
	}

	choice := resp.Choices[0]
	if choice.Message.Content == nil || *choice.Message.Content == "" {
		return nil, &TransportError{Err: fmt.Errorf("%w: choices[0].message.content missing", ErrEmptyCompletion)}
	}

	return &ChatResponse{
		Content:    *choice.Message.Content,
		StopReason: mapOAIStopReason(choice.FinishReason),
		Usage: TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func mapOAIStopReason(reason string) StopReason {
	switch reason {
	case "length":
		return StopMaxTokens
	case "stop":
		return StopEndTurn
	default:
		return StopEndTurn
	}
}

var _ Client = (*OpenAIClient)(nil)
