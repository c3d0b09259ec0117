package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/prismnexus/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when every provider failed or
// had an open breaker. The individual causes are joined behind it, so
// errors.Is still finds e.g. [s2s.ErrMissingCredential].
var ErrAllFailed = errors.New("resilience: all providers failed")

// credentialer matches providers that can report a configured API key.
type credentialer interface {
	HasCredential() bool
}

type candidate struct {
	name     string
	provider s2s.Provider
	breaker  *Breaker
}

// Failover implements [s2s.Provider] on top of a primary provider and zero or
// more fallbacks, each behind its own [Breaker]. Connect tries them in
// registration order.
type Failover struct {
	cfg        BreakerConfig
	candidates []candidate
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover creates a Failover with primary as the preferred provider.
// A missing API key never trips a breaker: it is reported on every Connect
// as [s2s.ErrMissingCredential] until the key is configured.
func NewFailover(primary s2s.Provider, primaryName string, cfg BreakerConfig) *Failover {
	if cfg.Ignore == nil {
		cfg.Ignore = isCredentialError
	}
	f := &Failover{cfg: cfg}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback appends a provider tried after the ones already registered.
// Not safe to call concurrently with Connect.
func (f *Failover) AddFallback(name string, p s2s.Provider) {
	bc := f.cfg
	bc.Name = name
	f.candidates = append(f.candidates, candidate{name: name, provider: p, breaker: NewBreaker(bc)})
}

// Connect opens a session on the first provider that accepts it. The model
// override in cfg only applies to the primary; fallbacks use the model they
// were built with.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var errs []error
	for i, c := range f.candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempt := cfg
		if i > 0 {
			attempt.Model = ""
		}
		var handle s2s.SessionHandle
		err := c.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			handle, err = c.provider.Connect(ctx, attempt)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("connected via fallback provider", "provider", c.name)
			}
			return handle, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", c.name)
		} else if ctx.Err() == nil {
			slog.Warn("provider failed, trying next", "provider", c.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// HasCredential reports whether at least one provider can authenticate.
// Providers that do not report credentials count as able to.
func (f *Failover) HasCredential() bool {
	for _, c := range f.candidates {
		cr, ok := c.provider.(credentialer)
		if !ok || cr.HasCredential() {
			return true
		}
	}
	return false
}

func isCredentialError(err error) bool {
	return errors.Is(err, s2s.ErrMissingCredential)
}

// States returns the breaker state of each provider, keyed by name.
func (f *Failover) States() map[string]BreakerState {
	out := make(map[string]BreakerState, len(f.candidates))
	for _, c := range f.candidates {
		out[c.name] = c.breaker.State()
	}
	return out
}
