// Package llmclient implements one reliable "classify" call against an LLM
// provider: admission control, request shaping, retry, and provider
// health/stats. Every request is context-scoped, opens a tracing span and
// wraps failures with pkg/errors.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	mperrors "github.com/metal0/mailpilot-sub001/internal/errors"
	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/prompt"
	"github.com/metal0/mailpilot-sub001/internal/responseparser"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

const (
	defaultTemperature = 0.3
	maxAttempts        = 3
	retryBase          = time.Second
	retryCap           = 10 * time.Second
	defaultRetryAfter  = 60 * time.Second
)

// Client owns per-provider rate-limit/stats/health state and performs
// classify calls over plain HTTP.
type Client struct {
	httpClient *http.Client

	mu    sync.Mutex
	state map[string]*providerState
}

func New() *Client {
	return &Client{
		httpClient: &http.Client{},
		state:      make(map[string]*providerState),
	}
}

func (c *Client) stateFor(provider string) *providerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[provider]
	if !ok {
		st = newProviderState()
		c.state[provider] = st
	}
	return st
}

type requestBody struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type apiResponse struct {
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
}

// Classify runs one reliable classify call: admission, request build, retry,
// health recording, and response parsing.
func (c *Client) Classify(ctx context.Context, provider *models.Provider, model string, text string, parts []prompt.ContentPart) (*responseparser.Result, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "LLMClient.Classify")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagComponentLLM(span)
	tracing.TagProvider(span, provider.Name)

	st := c.stateFor(provider.Name)

	if model == "" {
		model = provider.DefaultModel
	}

	var rpmLimit *int
	if provider.RPMLimit != nil {
		rpmLimit = provider.RPMLimit
	}

	var content interface{}
	if len(parts) > 0 {
		content = parts
	} else {
		content = text
	}

	body := requestBody{
		Model:       model,
		Messages:    []message{{Role: "user", Content: content}},
		Temperature: defaultTemperature,
		ResponseFormat: responseFormat{
			Type: "json_object",
		},
	}

	var lastErr error
	backoff := retryBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rpm := 0
		if rpmLimit != nil {
			rpm = *rpmLimit
		}
		st.acquire(rpm, sleepWithContext(ctx))

		raw, respErr := c.do(ctx, provider, body)
		if respErr == nil {
			st.recordSuccess()
			parsed := responseparser.Parse(raw.content)
			if raw.usage != nil {
				parsed.Usage = raw.usage
			}
			return parsed, nil
		}

		lastErr = respErr
		if !mperrors.Retryable(respErr) {
			st.recordFailure()
			tracing.TraceErr(span, respErr)
			return nil, respErr
		}

		if ra, ok := retryAfterOf(respErr); ok {
			st.parkRetryAfter(ra)
		}

		if attempt == maxAttempts {
			break
		}
		sleepWithContext(ctx)(backoff)
		backoff = addJitter(backoff * 2)
		if backoff > retryCap {
			backoff = retryCap
		}
	}

	st.recordFailure()
	tracing.TraceErr(span, lastErr)
	return nil, lastErr
}

type responsePayload struct {
	content string
	usage   *responseparser.Usage
}

type retryAfterErr struct {
	*mperrors.Classified
	after time.Duration
}

// Unwrap exposes the Classified wrapper itself, not its cause, so kind
// checks like mperrors.Retryable see KindRateLimited.
func (e *retryAfterErr) Unwrap() error {
	return e.Classified
}

func retryAfterOf(err error) (time.Duration, bool) {
	if e, ok := err.(*retryAfterErr); ok {
		return e.after, true
	}
	return 0, false
}

func (c *Client) do(ctx context.Context, provider *models.Provider, body requestBody) (*responsePayload, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal LLM request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build LLM request")
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuthHeaders(req, provider)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, mperrors.Wrap(mperrors.KindTransientNetwork, "llmclient", "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mperrors.Wrap(mperrors.KindTransientNetwork, "llmclient", "failed to read response body", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		after := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &retryAfterErr{
			Classified: mperrors.New(mperrors.KindRateLimited, "llmclient", fmt.Errorf("rate limited: %s", string(respBody))),
			after:      after,
		}
	}
	if resp.StatusCode >= 500 {
		return nil, mperrors.New(mperrors.KindTransientNetwork, "llmclient", fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mperrors.New(mperrors.KindAuthError, "llmclient", fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, mperrors.New(mperrors.KindSchemaError, "llmclient", errors.Wrap(err, "failed to unmarshal LLM response"))
	}
	if len(parsed.Choices) == 0 {
		return nil, mperrors.New(mperrors.KindSchemaError, "llmclient", fmt.Errorf("no choices in LLM response"))
	}

	return &responsePayload{
		content: parsed.Choices[0].Message.Content,
		usage: &responseparser.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// applyAuthHeaders picks the auth header scheme by provider host.
func applyAuthHeaders(req *http.Request, provider *models.Provider) {
	if provider.APIKey == "" {
		return
	}
	host := req.URL.Host
	switch {
	case strings.Contains(host, "anthropic.com"):
		req.Header.Set("x-api-key", provider.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case strings.Contains(host, "azure.com"):
		req.Header.Set("api-key", provider.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

// Stats returns the current stats snapshot for provider. A provider that has
// never been used gets zero counters, Healthy=true and HealthStale=true.
func (c *Client) Stats(provider *models.Provider) Stats {
	return c.stateFor(provider.Name).snapshot(provider.Name, provider.DefaultModel, provider.RPMLimit)
}

// HealthCheck issues the lightweight ping classify call for a provider
// whose staleness predicate holds.
func (c *Client) HealthCheck(ctx context.Context, provider *models.Provider, model string) {
	st := c.stateFor(provider.Name)
	if !st.stale(time.Now()) {
		return
	}
	// Classify itself records success or failure on the provider's health
	// record, so the ping needs no extra bookkeeping here.
	_, _ = c.Classify(ctx, provider, model, `Respond with exactly {"actions":[{"type":"noop"}]}.`, nil)
}

func sleepWithContext(ctx context.Context) func(time.Duration) {
	return func(d time.Duration) {
		if d <= 0 {
			return
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

func addJitter(d time.Duration) time.Duration {
	jitterFactor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitterFactor)
}
