package client

import (
	"context"
	"fmt"

	"github.com/iuriikogan/rlm-repl/internal/types"
)

// Request is one completion call. An empty Model selects the client default.
type Request struct {
	Model           string
	Messages        []types.Message
	Temperature     *float64
	MaxOutputTokens int
}

type Client interface {
	Completion(ctx context.Context, req Request) (string, error)
	ModelName() string
}

// ProviderError is a completion failure that survived the retry policy.
type ProviderError struct {
	Provider string
	Model    string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error (model %s, %d attempts): %v", e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
