package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 120 * time.Second

// ErrNoChoices is returned when the API answers without any choice.
var ErrNoChoices = errors.New("openai: response contained no choices")

// OpenAI is a minimal client for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	apiKey       string
	apiBase      string
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
	maxRetries   int
	client       *http.Client
	logger       *slog.Logger
}

type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	MaxRetries   int
	Timeout      time.Duration
	MaxConns     int          // concurrent requests to the API; 0 uses a small default
	HTTPClient   *http.Client // optional; built from Timeout and MaxConns when nil
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-3.5-turbo"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient(cfg.Timeout, cfg.MaxConns)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		apiKey:       cfg.APIKey,
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
	}
}

func (o *OpenAI) Name() string  { return "openai" }
func (o *OpenAI) Model() string { return o.model }

// Healthy checks that the API is reachable and the key is accepted.
func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("openai: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai returned %d", resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
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

// ChatResult is the decoded first choice of a completion.
type ChatResult struct {
	Content      string
	FinishReason string
	TotalTokens  int
	Latency      time.Duration
}

// Chat sends prompt as the only user message of a fresh conversation and
// returns the first choice. It returns ErrNoChoices when the response is
// well-formed but empty.
func (o *OpenAI) Chat(ctx context.Context, prompt string) (*ChatResult, error) {
	msgs := make([]oaiMessage, 0, 2)
	if o.systemPrompt != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: o.systemPrompt})
	}
	msgs = append(msgs, oaiMessage{Role: "user", Content: prompt})

	body := oaiRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   false,
	}
	if o.maxTokens > 0 {
		body.MaxTokens = o.maxTokens
	}
	if o.temperature > 0 {
		t := o.temperature
		body.Temperature = &t
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
		return httpReq, nil
	}, o.maxRetries, o.logger)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if len(oaiResp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := oaiResp.Choices[0]
	return &ChatResult{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		TotalTokens:  oaiResp.Usage.TotalTokens,
		Latency:      time.Since(start),
	}, nil
}
