package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/iuriikogan/rlm-repl/internal/observability"
)

// RetryPolicy is the transport retry policy applied to every completion.
type RetryPolicy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

type retryingClient struct {
	next     Client
	provider string
	policy   RetryPolicy
	limiter  *rate.Limiter
}

// WithRetry wraps c so that transient failures are retried with exponential
// backoff. Once the policy gives up the error is returned as a
// *ProviderError; context cancellation is returned as is.
func WithRetry(c Client, provider string, policy RetryPolicy) Client {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	rc := &retryingClient{next: c, provider: provider, policy: policy}
	if policy.RequestsPerSecond > 0 {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		rc.limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), burst)
	}
	return rc
}

func (c *retryingClient) Completion(ctx context.Context, req Request) (string, error) {
	backoff := retry.NewExponential(c.policy.BaseDelay)
	backoff = retry.WithCappedDuration(c.policy.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(c.policy.MaxRetries, backoff)

	var (
		text     string
		attempts int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		out, err := c.next.Completion(ctx, req)
		if err != nil {
			if ctx.Err() == nil && retryable(err) {
				slog.Warn("Completion attempt failed, retrying", "provider", c.provider, "attempt", attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		text = out
		return nil
	})
	if err == nil {
		return text, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	model := req.Model
	if model == "" {
		model = c.next.ModelName()
	}
	observability.ProviderErrors.WithLabelValues(c.provider).Inc()
	return "", &ProviderError{Provider: c.provider, Model: model, Attempts: attempts, Err: err}
}

func (c *retryingClient) ModelName() string {
	return c.next.ModelName()
}

// retryable treats client-side HTTP errors as permanent, except for
// timeouts, conflicts and rate limiting.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	code, ok := statusCode(err)
	if !ok {
		return true
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code < 400 || code >= 500
}

// statusCode extracts the HTTP status from a provider API error.
func statusCode(err error) (int, bool) {
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode, true
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code, true
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) && gErrPtr != nil {
		return gErrPtr.Code, true
	}
	return 0, false
}
