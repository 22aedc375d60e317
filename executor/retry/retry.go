package retry

import (
	"context"
	"math"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"

	"github.com/GPTx-global/executor/executor/types"
)

const (
	StrategyNone        = "none"
	StrategyExponential = "exponential"
)

// Strategy decides how long to wait before reconnect attempt n (1-based).
type Strategy interface {
	Next(attempt int) time.Duration
}

// RetryConfig is the [reconnect] section of the config file.
type RetryConfig struct {
	Strategy   string        // "none" or "exponential"
	BaseDelay  time.Duration // first delay
	MaxDelay   time.Duration // upper bound
	Multiplier float64       // growth per attempt
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:   StrategyNone,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// NoBackoff reconnects immediately.
type NoBackoff struct{}

func (NoBackoff) Next(int) time.Duration {
	return 0
}

// Exponential grows the delay by Multiplier per attempt, capped at MaxDelay.
type Exponential struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

func (e Exponential) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	return calculateDelay(e.BaseDelay, e.MaxDelay, e.Multiplier, attempt)
}

// FromConfig returns the strategy named by cfg.Strategy. An empty name means no backoff.
func FromConfig(cfg RetryConfig) (Strategy, error) {
	switch strings.ToLower(cfg.Strategy) {
	case "", StrategyNone:
		return NoBackoff{}, nil
	case StrategyExponential:
		if cfg.BaseDelay <= 0 {
			return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "base delay must be positive: %v", cfg.BaseDelay)
		}
		if cfg.Multiplier < 1 {
			return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "multiplier must be at least 1: %v", cfg.Multiplier)
		}
		maxDelay := cfg.MaxDelay
		if maxDelay < cfg.BaseDelay {
			maxDelay = cfg.BaseDelay
		}
		return Exponential{BaseDelay: cfg.BaseDelay, MaxDelay: maxDelay, Multiplier: cfg.Multiplier}, nil
	default:
		return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "unknown reconnect strategy %q", cfg.Strategy)
	}
}

// Wait sleeps for d or until ctx ends, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func calculateDelay(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))

	if delay > float64(max) || math.IsInf(delay, 0) {
		delay = float64(max)
	}

	return time.Duration(delay)
}
