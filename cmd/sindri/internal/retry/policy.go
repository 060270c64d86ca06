// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package retry executes fallible operations under a declarative policy.
//
// A Policy says how many times to try and how long to wait between tries.
// A Predicate decides whether a particular failure is worth another try.
// Observers watch attempts without being able to influence them. Do ties
// the three together in an explicit attempt loop.
//
//	exec := retry.Executor{
//	    Name:      "registry.tags",
//	    Policy:    retry.NetworkPolicy(),
//	    Predicate: retry.HTTPStatus(),
//	    Observer:  retry.NewTracingObserver(logger),
//	}
//	tags, err := retry.Do(ctx, exec, func(ctx context.Context) ([]string, error) {
//	    return client.ListTags(ctx, repo)
//	})
//
// This package is the only layer that classifies failures as transient or
// terminal. Callers receive *ExhaustedError, *NonRetryableError, or
// *CancelledError and should pass them upward unchanged.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// =============================================================================
// Strategy
// =============================================================================

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	// StrategyNone never retries.
	StrategyNone Strategy = "none"

	// StrategyFixed waits Initial before every retry.
	StrategyFixed Strategy = "fixed"

	// StrategyLinear waits Initial × retry-number, capped at Max.
	StrategyLinear Strategy = "linear"

	// StrategyExponential waits Initial × Multiplierⁿ, capped at Max.
	StrategyExponential Strategy = "exponential"
)

// ParseStrategy accepts the canonical names plus a few aliases seen in
// extension descriptors ("exponential-backoff", "fixed-delay").
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return StrategyNone, nil
	case "fixed", "fixed-delay":
		return StrategyFixed, nil
	case "linear", "linear-backoff":
		return StrategyLinear, nil
	case "exponential", "exponential-backoff":
		return StrategyExponential, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, s)
	}
}

// UnmarshalText lets Strategy be decoded from YAML and flags.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// =============================================================================
// Policy
// =============================================================================

// Policy is a declarative description of how to re-invoke an operation.
//
// # Invariants
//
//   - MaxAttempts >= 1
//   - Initial <= Max
//   - Multiplier >= 1 for exponential strategies
//   - MaxAttempts == 1 if and only if Strategy == StrategyNone (see Normalize)
type Policy struct {
	MaxAttempts int           `yaml:"maxAttempts" json:"maxAttempts"`
	Strategy    Strategy      `yaml:"strategy" json:"strategy"`
	Initial     time.Duration `yaml:"initialDelay" json:"initialDelay"`
	Max         time.Duration `yaml:"maxDelay" json:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Jitter      bool          `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy is the conservative exponential policy applied to hooks
// whose extension declares none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		Initial:     500 * time.Millisecond,
		Max:         10 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// NetworkPolicy is used for registry and download traffic.
func NetworkPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		Strategy:    StrategyExponential,
		Initial:     250 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// NoRetry runs an operation exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1, Strategy: StrategyNone}
}

// Normalize reconciles MaxAttempts and Strategy: a single attempt implies
// StrategyNone and StrategyNone implies a single attempt. A zero
// Multiplier on an exponential policy becomes 2 and a zero Max becomes
// Initial.
func (p Policy) Normalize() Policy {
	if p.Strategy == "" {
		p.Strategy = StrategyNone
	}
	if p.MaxAttempts == 1 || p.Strategy == StrategyNone {
		p.MaxAttempts = 1
		p.Strategy = StrategyNone
	}
	if p.Strategy == StrategyExponential && p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.Max == 0 {
		p.Max = p.Initial
	}
	return p
}

// Validate checks the policy invariants.
//
// # Outputs
//
//   - error: Wraps ErrInvalidPolicy describing the first violation, or nil.
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategyNone, StrategyFixed, StrategyLinear, StrategyExponential:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, p.Strategy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts %d < 1", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.MaxAttempts == 1 && p.Strategy != StrategyNone {
		return fmt.Errorf("%w: a single attempt requires strategy none, got %s", ErrInvalidPolicy, p.Strategy)
	}
	if p.Initial < 0 || p.Max < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	}
	if p.Initial > p.Max {
		return fmt.Errorf("%w: initial delay %s exceeds max delay %s", ErrInvalidPolicy, p.Initial, p.Max)
	}
	if p.Strategy == StrategyExponential && p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier %.2f < 1", ErrInvalidPolicy, p.Multiplier)
	}
	return nil
}

// =============================================================================
// Delay computation
// =============================================================================

// Rand is the randomness source used for jitter. *math/rand/v2.Rand
// satisfies it.
type Rand interface {
	Float64() float64
}

// Delay returns how long to wait before retry n, where n = 0 is the wait
// between the first and second attempts.
//
// # Description
//
// Pure function of (policy, n) apart from jitter, which draws one value
// from rnd and multiplies the capped delay by a factor in [0.5, 1.5]
// before capping again. The result never exceeds p.Max, and without
// jitter it is non-decreasing in n.
//
// # Inputs
//
//   - p: A normalized, valid policy.
//   - n: Zero-based retry index.
//   - rnd: Jitter source. May be nil when p.Jitter is false.
func Delay(p Policy, n int, rnd Rand) time.Duration {
	if n < 0 {
		n = 0
	}

	var base float64
	switch p.Strategy {
	case StrategyFixed:
		base = float64(p.Initial)
	case StrategyLinear:
		base = float64(p.Initial) * float64(n+1)
	case StrategyExponential:
		base = float64(p.Initial) * math.Pow(p.Multiplier, float64(n))
	default:
		return 0
	}

	capped := time.Duration(math.Min(base, float64(p.Max)))
	if math.IsInf(base, 1) || math.IsNaN(base) {
		capped = p.Max
	}
	if !p.Jitter || rnd == nil || capped == 0 {
		return capped
	}
	factor := 0.5 + rnd.Float64()
	return min(time.Duration(float64(capped)*factor), p.Max)
}

// Schedule lists the delays a policy would use between its attempts,
// without jitter. Used by `sindri config validate` to show users what a
// policy means.
func Schedule(p Policy) []time.Duration {
	p = p.Normalize()
	p.Jitter = false
	out := make([]time.Duration, 0, max(p.MaxAttempts-1, 0))
	for n := range p.MaxAttempts - 1 {
		out = append(out, Delay(p, n, nil))
	}
	return out
}
