package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	OpenAIDefaultBaseURL = "https://api.openai.com/v1"
	OpenAIDefaultModel   = "text-embedding-3-small"
	httpTimeout          = 30 * time.Second
)

// Sentinel provider-error kinds. The queue processor
// inspects these via errors.Is to pick the right recovery policy instead
// of treating every provider failure alike.
var (
	// ErrRateLimited means the provider rejected the call for quota
	// reasons. The queue backs off 60s and resumes without failing the
	// owning batches or consuming the transient-error retry budget.
	ErrRateLimited = errors.New("embedding provider: rate limited")
	// ErrInvalidCredentials means an auth/payment failure. Fail fast: no
	// retry, no backoff, the owning batches are marked failed.
	ErrInvalidCredentials = errors.New("embedding provider: invalid api key or payment method")
)

// openAIProvider is an OpenAI-compatible embeddings REST client
// (supports LiteLLM-style proxies served at a custom base URL).
type openAIProvider struct {
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	apiKey     string
	modelName  string
	dimensions int
}

type embedRequest struct {
	Input          interface{} `json:"input"`
	Model          string      `json:"model"`
	EncodingFormat string      `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// NewOpenAIProvider builds a Provider against an OpenAI-compatible
// embeddings endpoint.
func NewOpenAIProvider(apiKey, baseURL, modelName string, dimensions int) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding provider: API key is required")
	}
	if baseURL == "" {
		baseURL = OpenAIDefaultBaseURL
	}
	if modelName == "" {
		modelName = OpenAIDefaultModel
	}
	if dimensions <= 0 {
		dimensions = 1536
	}

	cbSettings := gobreaker.Settings{
		Name:        "embedding-provider",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("embedding provider circuit breaker state change")
		},
	}

	return &openAIProvider{
		client:     &http.Client{Timeout: httpTimeout},
		breaker:    gobreaker.NewCircuitBreaker(cbSettings),
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelName:  modelName,
		dimensions: dimensions,
	}, nil
}

func (p *openAIProvider) Dimensions() int { return p.dimensions }

// Embed implements Provider with exponential backoff up to three
// attempts wrapping a circuit-breaker-guarded HTTP call.
func (p *openAIProvider) Embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	op := func() ([][]float32, error) {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			return p.embedRequest(ctx, texts)
		})
		if err != nil {
			return nil, err
		}
		return out.([][]float32), nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 60 * time.Second
	results, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts (model=%s, input_type=%s): %w", len(texts), p.modelName, inputType, err)
	}
	return results, nil
}

func (p *openAIProvider) embedRequest(ctx context.Context, texts []string) ([][]float32, error) {
	var input interface{} = texts
	if len(texts) == 1 {
		input = texts[0]
	}

	body, err := json.Marshal(embedRequest{
		Input:          input,
		Model:          p.modelName,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request to %s: %w", p.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(bodySnippet))
		lower := strings.ToLower(msg)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || strings.Contains(lower, "rate limit"):
			// Rate limit: bubble immediately (backoff.Permanent stops the
			// internal transient-retry loop) so the queue's own 60s
			// back-off policy handles it.
			return nil, backoff.Permanent(fmt.Errorf("%w (status=%d): %s", ErrRateLimited, resp.StatusCode, msg))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
			strings.Contains(lower, "api key") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "payment method"):
			return nil, backoff.Permanent(fmt.Errorf("%w (status=%d): %s", ErrInvalidCredentials, resp.StatusCode, msg))
		default:
			return nil, fmt.Errorf("embedding API error (model=%s, status=%d): %s", p.modelName, resp.StatusCode, msg)
		}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response from %s: %w", p.baseURL, err)
	}

	sort.Slice(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	results := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		results[i] = d.Embedding
	}
	return results, nil
}
