package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"vision_workflow/internal/core"
	"vision_workflow/internal/logger"
)

// RetryConfig is the retry policy for remote model calls
type RetryConfig struct {
	Attempts     int           `envconfig:"ATTEMPTS" default:"4"` // first call included
	InitialDelay time.Duration `envconfig:"INITIAL_DELAY" default:"1s"`
	Multiplier   float64       `envconfig:"MULTIPLIER" default:"2.0"`
	MaxDelay     time.Duration `envconfig:"MAX_DELAY" default:"30s"` // 0 = uncapped
	Jitter       float64       `envconfig:"JITTER" default:"0"`      // randomization factor, 0..1
	StatusCodes  []int         `envconfig:"STATUS_CODES" default:"429,500,503,504"`
}

// DefaultRetryConfig mirrors the envconfig defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     4,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		StatusCodes:  []int{429, 500, 503, 504},
	}
}

// Validate checks the policy bounds
func (c RetryConfig) Validate() error {
	switch {
	case c.Attempts < 1:
		return &core.ConfigurationError{Component: "retry", Message: fmt.Sprintf("attempts must be at least 1, got %d", c.Attempts)}
	case c.Multiplier < 1:
		return &core.ConfigurationError{Component: "retry", Message: fmt.Sprintf("multiplier must be at least 1, got %g", c.Multiplier)}
	case c.InitialDelay < 0 || c.MaxDelay < 0:
		return &core.ConfigurationError{Component: "retry", Message: "delays cannot be negative"}
	case c.Jitter < 0 || c.Jitter > 1:
		return &core.ConfigurationError{Component: "retry", Message: fmt.Sprintf("jitter must be within [0, 1], got %g", c.Jitter)}
	}
	return nil
}

// InvokerOption customises a RemoteInvoker
type InvokerOption func(*RemoteInvoker)

// WithRetryPredicate marks extra errors as retryable
func WithRetryPredicate(fn func(error) bool) InvokerOption {
	return func(r *RemoteInvoker) {
		r.classifier.Predicate = fn
	}
}

// RemoteInvoker sends prompts to a chat model with bounded exponential
// backoff. It holds no mutable state and is safe for concurrent use.
type RemoteInvoker struct {
	model      model.BaseChatModel
	retry      RetryConfig
	classifier Classifier
}

// NewRemoteInvoker wraps a chat model with the retry policy
func NewRemoteInvoker(m model.BaseChatModel, retry RetryConfig, opts ...InvokerOption) (*RemoteInvoker, error) {
	if m == nil {
		return nil, &core.ConfigurationError{Component: "invoker", Message: "chat model cannot be nil"}
	}
	if err := retry.Validate(); err != nil {
		return nil, err
	}
	r := &RemoteInvoker{
		model:      m,
		retry:      retry,
		classifier: Classifier{StatusCodes: append([]int(nil), retry.StatusCodes...)},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Invoke returns the model's text reply. Retryable failures are retried
// until the attempt budget is spent, then *core.ExhaustedRetriesError is
// returned. Anything else is returned after the first attempt.
func (r *RemoteInvoker) Invoke(ctx context.Context, messages []*schema.Message, opts ...model.Option) (string, error) {
	log := logger.FromContext(ctx, "invoker")

	var (
		reply    string
		attempts int
		lastErr  error
		fatal    bool
	)

	operation := func() error {
		attempts++
		msg, err := r.model.Generate(ctx, messages, opts...)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !r.classifier.IsRetryable(err) {
				fatal = true
				return backoff.Permanent(err)
			}
			return err
		}
		reply = msg.Content
		return nil
	}

	notify := func(err error, delay time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("max_attempts", r.retry.Attempts).
			Int("status", StatusCode(err)).
			Dur("delay", delay).
			Msg("retryable model error, backing off")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.retry.Attempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err == nil {
		return reply, nil
	}
	if fatal {
		log.Error().Err(lastErr).Int("attempt", attempts).Msg("non-retryable model error")
		return "", lastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	return "", &core.ExhaustedRetriesError{
		Attempts: attempts,
		Cause:    &core.TransientRemoteError{StatusCode: StatusCode(lastErr), Err: lastErr},
	}
}

func (r *RemoteInvoker) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialDelay
	b.Multiplier = r.retry.Multiplier
	b.RandomizationFactor = r.retry.Jitter
	b.MaxInterval = r.retry.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
