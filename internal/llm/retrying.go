package llm

import (
	"context"
	"log/slog"

	"github.com/ppiankov/pepref/internal/retry"
)

type retryingProvider struct {
	Provider
	policy retry.Policy
	logger *slog.Logger
}

// WithRetry retries transient completion failures under policy
func WithRetry(p Provider, policy retry.Policy, logger *slog.Logger) Provider {
	if p == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingProvider{Provider: p, policy: policy, logger: logger}
}

func (r *retryingProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var resp *CompletionResponse
	attempts, err := r.policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.Provider.Complete(ctx, req)
		if callErr != nil {
			r.logger.Debug("llm call failed", "provider", r.Name(), "operation", req.Operation, "error", callErr)
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if attempts > 1 {
		r.logger.Info("llm call recovered", "provider", r.Name(), "operation", req.Operation, "attempts", attempts)
	}
	return resp, nil
}
