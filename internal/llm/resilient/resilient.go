// Package resilient wraps LLM providers and embedders with a per-attempt
// timeout, bounded exponential retry of transient failures and a circuit
// breaker.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Config controls retries and breaking for one wrapped dependency.
type Config struct {
	// Name labels the breaker in logs and metrics.
	Name string

	// Timeout bounds a single attempt. Zero disables the per-attempt timeout.
	Timeout time.Duration

	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts uint

	// MaxElapsed bounds the time spent across all attempts.
	MaxElapsed time.Duration

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Breaker tuning. Zero values use the defaults below.
	BreakerInterval    time.Duration
	BreakerTimeout     time.Duration
	BreakerMaxRequests uint32
}

// DefaultConfig returns retry and breaker settings suited to hosted LLM APIs.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		Timeout:            60 * time.Second,
		MaxAttempts:        3,
		MaxElapsed:         2 * time.Minute,
		InitialInterval:    500 * time.Millisecond,
		MaxInterval:        10 * time.Second,
		BreakerInterval:    60 * time.Second,
		BreakerTimeout:     30 * time.Second,
		BreakerMaxRequests: 3,
	}
}

// Hooks are optional observability callbacks. Nil fields are skipped.
type Hooks struct {
	OnRetry       func(name string, err error, wait time.Duration)
	OnStateChange func(name string, from, to gobreaker.State)
}

// ErrCircuitOpen is returned while the breaker rejects calls. It is transient.
var ErrCircuitOpen = errors.New("circuit open")

type runner struct {
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	logger log.Logger
	hooks  Hooks
}

func newRunner(cfg Config, logger log.Logger, hooks Hooks) *runner {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 3
	}
	r := &runner{cfg: cfg, logger: logger, hooks: hooks}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures > 5 {
				return true
			}
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if hooks.OnStateChange != nil {
				hooks.OnStateChange(name, from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAsFailure(err)
		},
	})
	return r
}

// countsAsFailure reports whether err says something about the health of the
// dependency. Caller mistakes and cancellations do not.
func countsAsFailure(err error) bool {
	return triage.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// State returns the breaker state.
func (r *runner) State() gobreaker.State { return r.cb.State() }

func do[T any](ctx context.Context, r *runner, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn(ctx, "retrying after transient failure", "dependency", r.cfg.Name, "error", err, "wait", wait)
			if r.hooks.OnRetry != nil {
				r.hooks.OnRetry(r.cfg.Name, err, wait)
			}
		}),
	}
	if r.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.cfg.MaxElapsed))
	}

	out, err := backoff.Retry(ctx, func() (T, error) {
		v, err := r.cb.Execute(func() (interface{}, error) {
			actx, cancel := r.attemptContext(ctx)
			defer cancel()
			res, err := fn(actx)
			return res, err
		})
		if err == nil {
			res, _ := v.(T)
			return res, nil
		}
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return zero, backoff.Permanent(triage.Transient(fmt.Errorf("%s: %w: %w", r.cfg.Name, ErrCircuitOpen, err)))
		case triage.IsTransient(err):
			return zero, err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return zero, triage.Transient(fmt.Errorf("%s attempt timed out: %w", r.cfg.Name, err))
		default:
			return zero, backoff.Permanent(err)
		}
	}, opts...)
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (r *runner) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.Timeout)
}

// Provider wraps a triage.Provider.
type Provider struct {
	next triage.Provider
	r    *runner
}

// NewProvider wraps next with retries and a circuit breaker.
func NewProvider(next triage.Provider, cfg Config, logger log.Logger, hooks Hooks) *Provider {
	return &Provider{next: next, r: newRunner(cfg, logger, hooks)}
}

// Send implements triage.Provider.
func (p *Provider) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	return do(ctx, p.r, func(ctx context.Context) (*triage.LLMResponse, error) {
		return p.next.Send(ctx, req)
	})
}

// State returns the breaker state.
func (p *Provider) State() gobreaker.State { return p.r.State() }

// Embedder wraps a triage.Embedder.
type Embedder struct {
	next triage.Embedder
	r    *runner
}

// NewEmbedder wraps next with retries and a circuit breaker.
func NewEmbedder(next triage.Embedder, cfg Config, logger log.Logger, hooks Hooks) *Embedder {
	return &Embedder{next: next, r: newRunner(cfg, logger, hooks)}
}

// Embed implements triage.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return do(ctx, e.r, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

// State returns the breaker state.
func (e *Embedder) State() gobreaker.State { return e.r.State() }
