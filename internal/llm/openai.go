package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// openAIProvider is an OpenAI-compatible chat-completions REST client
//, built the same way as internal/embedding's provider client:
// HTTP call wrapped in a circuit breaker, retried with exponential
// backoff.
type openAIProvider struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Config configures the LLM provider client.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int
	Temperature    float64
	TimeoutSeconds int
}

// NewOpenAIProvider builds a Provider against an OpenAI-compatible chat
// completions endpoint.
func NewOpenAIProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm provider: API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cbSettings := gobreaker.Settings{
		Name:        "llm-provider",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("llm provider circuit breaker state change")
		},
	}

	return &openAIProvider{
		client:      &http.Client{Timeout: timeout},
		breaker:     gobreaker.NewCircuitBreaker(cbSettings),
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Complete implements Provider, retried with exponential backoff up to
// three attempts.
func (p *openAIProvider) Complete(ctx context.Context, messages []Message) (string, error) {
	op := func() (string, error) {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			return p.chatRequest(ctx, messages)
		})
		if err != nil {
			return "", err
		}
		return out.(string), nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 60 * time.Second
	content, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return "", fmt.Errorf("llm complete (model=%s): %w", p.model, err)
	}
	return content, nil
}

func (p *openAIProvider) chatRequest(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send chat request to %s: %w", p.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llm API error (model=%s, status=%d): %s",
			p.model, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response from %s: %w", p.baseURL, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm API returned no choices (model=%s)", p.model)
	}
	return parsed.Choices[0].Message.Content, nil
}
