package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestNewGeminiClient(t *testing.T) {
	// Test error when API key is missing
	os.Setenv("GEMINI_API_KEY", "")
	_, err := NewGeminiClient("", "")
	if err == nil {
		t.Error("Expected error when GEMINI_API_KEY is missing")
	}

	// Test with explicit key
	c, err := NewGeminiClient("dummy-key", "gemini-model")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if c.modelName != "gemini-model" {
		t.Errorf("Expected model gemini-model, got %s", c.modelName)
	}
}

func TestNewOpenAIClient(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIClient("", "", "")
	assert.Error(t, err)

	c, err := NewOpenAIClient("dummy-key", "http://localhost:1/v1", "")
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, c.ModelName())
}

type flakyClient struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyClient) Completion(ctx context.Context, req Request) (string, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return "", f.err
	}
	return "ok:" + req.Model, nil
}

func (f *flakyClient) ModelName() string { return "flaky" }

func fastPolicy(retries uint64) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestWithRetry_RecoversFromTransientFailures(t *testing.T) {
	inner := &flakyClient{failures: 2, err: errors.New("503 unavailable")}
	c := WithRetry(inner, "test", fastPolicy(3))

	out, err := c.Completion(context.Background(), Request{Model: "m"})

	require.NoError(t, err)
	assert.Equal(t, "ok:m", out)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestWithRetry_ExhaustionIsProviderError(t *testing.T) {
	cause := errors.New("connection refused")
	inner := &flakyClient{failures: 100, err: cause}
	c := WithRetry(inner, "test", fastPolicy(2))

	_, err := c.Completion(context.Background(), Request{})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "test", perr.Provider)
	assert.Equal(t, "flaky", perr.Model)
	assert.Equal(t, 3, perr.Attempts)
	assert.ErrorIs(t, err, cause)
}

func TestWithRetry_CancellationIsNotProviderError(t *testing.T) {
	inner := &flakyClient{failures: 100, err: errors.New("timeout")}
	c := WithRetry(inner, "test", RetryPolicy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Completion(ctx, Request{})

	assert.ErrorIs(t, err, context.Canceled)
	var perr *ProviderError
	assert.False(t, errors.As(err, &perr))
}

func TestWithRetry_ClientErrorsArePermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{"gemini bad request", genai.APIError{Code: http.StatusBadRequest, Message: "invalid argument"}, 1},
		{"gemini unauthorized", fmt.Errorf("generate: %w", genai.APIError{Code: http.StatusUnauthorized}), 1},
		{"gemini forbidden", genai.APIError{Code: http.StatusForbidden}, 1},
		{"gemini rate limited", genai.APIError{Code: http.StatusTooManyRequests}, 3},
		{"gemini server error", genai.APIError{Code: http.StatusInternalServerError}, 3},
		{"plain error", errors.New("connection reset"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyClient{failures: 100, err: tt.err}
			c := WithRetry(inner, "gemini", fastPolicy(2))

			_, err := c.Completion(context.Background(), Request{})

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.wantCalls, inner.calls.Load())
		})
	}
}

func TestWithRetry_RateLimited(t *testing.T) {
	inner := &flakyClient{}
	policy := fastPolicy(0)
	policy.RequestsPerSecond = 1000
	policy.Burst = 2
	c := WithRetry(inner, "test", policy)

	for i := 0; i < 5; i++ {
		_, err := c.Completion(context.Background(), Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), inner.calls.Load())
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{Provider: "gemini", Model: "m", Attempts: 4, Err: errors.New("quota exceeded")}
	assert.Equal(t, "gemini provider error (model m, 4 attempts): quota exceeded", err.Error())
}
