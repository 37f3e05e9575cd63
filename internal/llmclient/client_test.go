package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/models"
)

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter(""))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("not-a-number"))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("-5"))
}

func TestApplyAuthHeaders(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		check    func(t *testing.T, h http.Header)
	}{
		{
			"anthropic hosts use x-api-key and version",
			"https://api.anthropic.com/v1/messages",
			func(t *testing.T, h http.Header) {
				assert.Equal(t, "sk-test", h.Get("x-api-key"))
				assert.Equal(t, "2023-06-01", h.Get("anthropic-version"))
				assert.Empty(t, h.Get("Authorization"))
			},
		},
		{
			"azure hosts use api-key",
			"https://myresource.openai.azure.com/v1/chat",
			func(t *testing.T, h http.Header) {
				assert.Equal(t, "sk-test", h.Get("api-key"))
				assert.Empty(t, h.Get("Authorization"))
			},
		},
		{
			"everyone else gets a bearer token",
			"https://api.openai.com/v1/chat/completions",
			func(t *testing.T, h http.Header) {
				assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, tc.endpoint, nil)
			require.NoError(t, err)
			applyAuthHeaders(req, &models.Provider{APIKey: "sk-test"})
			tc.check(t, req.Header)
		})
	}
}

func TestApplyAuthHeaders_NoKeyNoHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://api.openai.com/v1", nil)
	require.NoError(t, err)
	applyAuthHeaders(req, &models.Provider{})
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestClassify_RateLimitedThenSuccessCountsOneRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-model", body["model"])
		assert.Equal(t, map[string]interface{}{"type": "json_object"}, body["response_format"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": `{"actions":[{"type":"read"}]}`}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	c := New()
	provider := &models.Provider{Name: "test", Endpoint: srv.URL, DefaultModel: "test-model"}

	result, err := c.Classify(context.Background(), provider, "", "classify this", nil)
	require.NoError(t, err)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, enum.ActionMarkRead, result.Actions[0].Type)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 15, result.Usage.TotalTokens)

	snap := c.Stats(provider)
	assert.Equal(t, 1, snap.RequestsTotal, "a 429-then-200 sequence counts as one completed request")
	assert.True(t, snap.Healthy)
	assert.Equal(t, 1, snap.RateLimited)
}

func TestClassify_NonRetryableStatusFailsImmediately(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New()
	provider := &models.Provider{Name: "test-auth", Endpoint: srv.URL, DefaultModel: "m"}

	_, err := c.Classify(context.Background(), provider, "m", "x", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "401 must not be retried")
}

func TestClassify_ServerErrorsExhaustRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	provider := &models.Provider{Name: "test-5xx", Endpoint: srv.URL, DefaultModel: "m"}

	_, err := c.Classify(context.Background(), provider, "m", "x", nil)
	require.Error(t, err)
	assert.Equal(t, int32(maxAttempts), atomic.LoadInt32(&hits))
}
