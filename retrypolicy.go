package fluxline

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var ErrRetryPolicy = errors.New("invalid retry policy")

const (
	defaultMaxAttempts    = 5
	defaultBackoffBase    = 1 * time.Second
	defaultBackoffCap     = 5 * time.Minute
	defaultJitterFraction = 0.2
	defaultRetryAfterCap  = 15 * time.Minute
)

// retryRule is how a class is handled once a decision is needed.
type retryRule int

const (
	// ruleNever routes to the dead letter immediately.
	ruleNever retryRule = iota
	// ruleBackoff retries with exponential backoff up to the attempt budget.
	ruleBackoff
	// ruleHint honors an explicit retry-after hint, falling back to backoff.
	ruleHint
)

// RetryDecision is the outcome of consulting the policy after a failed
// attempt.
type RetryDecision struct {
	Retry bool
	Delay time.Duration

	// Reason is set when Retry is false and feeds the dead letter entry.
	Reason DeadLetterReason
}

// StepRetryOverride carries the per-step knobs a definition may set.
type StepRetryOverride struct {
	MaxAttempts int
}

// RetryPolicy decides retry-with-backoff versus dead-letter for every error
// class. The rule table is exhaustive over all classes; a class without a
// rule is a configuration error surfaced by NewRetryPolicy, never a silent
// fallthrough at runtime.
type RetryPolicy struct {
	MaxAttempts    int
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64

	// RetryAfterCap clamps handler-provided retry-after hints.
	RetryAfterCap time.Duration

	rules map[ErrorClass]retryRule

	// rand is the jitter source, swappable in tests.
	rand func() float64
}

type RetryPolicyOption func(*RetryPolicy)

func WithMaxAttempts(n int) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.MaxAttempts = n
	}
}

func WithBackoffBase(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.Base = d
	}
}

func WithBackoffCap(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.Cap = d
	}
}

func WithJitterFraction(f float64) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.JitterFraction = f
	}
}

func WithRetryAfterCap(d time.Duration) RetryPolicyOption {
	return func(p *RetryPolicy) {
		p.RetryAfterCap = d
	}
}

func NewRetryPolicy(opts ...RetryPolicyOption) (*RetryPolicy, error) {
	p := &RetryPolicy{
		MaxAttempts:    defaultMaxAttempts,
		Base:           defaultBackoffBase,
		Cap:            defaultBackoffCap,
		JitterFraction: defaultJitterFraction,
		RetryAfterCap:  defaultRetryAfterCap,
		rules: map[ErrorClass]retryRule{
			ClassTransient:            ruleBackoff,
			ClassRetryable:            ruleBackoff,
			ClassDependencyFailed:     ruleBackoff,
			ClassRateLimited:          ruleHint,
			ClassNonRetryable:         ruleNever,
			ClassCompensationRequired: ruleNever,
		},
		rand: rand.Float64,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.MaxAttempts < 1 {
		return nil, errors.Join(ErrRetryPolicy, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.Base <= 0 {
		return nil, errors.Join(ErrRetryPolicy, fmt.Errorf("backoff base must be positive, got %v", p.Base))
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return nil, errors.Join(ErrRetryPolicy, fmt.Errorf("jitter fraction must be in [0, 1), got %v", p.JitterFraction))
	}

	// Exhaustiveness check: every known class must have a rule.
	for _, class := range errorClasses {
		if _, ok := p.rules[class]; !ok {
			return nil, errors.Join(ErrRetryPolicy, fmt.Errorf("no rule for error class %s", class))
		}
	}

	return p, nil
}

// DefaultRetryPolicy returns the stock policy. The defaults always validate.
func DefaultRetryPolicy() *RetryPolicy {
	p, err := NewRetryPolicy()
	if err != nil {
		panic(err)
	}
	return p
}

// Decide returns the retry decision for a failed attempt. attempt is the
// attempt number that just failed, starting at 1. retryAfter is the failure's
// backpressure hint, zero when absent.
func (p *RetryPolicy) Decide(class ErrorClass, attempt int, retryAfter time.Duration, override StepRetryOverride) RetryDecision {
	rule, ok := p.rules[class]
	if !ok {
		// NewRetryPolicy guarantees this cannot happen for known classes; an
		// unknown class fails closed.
		return RetryDecision{Retry: false, Reason: ReasonNonRetryable}
	}

	switch rule {
	case ruleNever:
		reason := ReasonNonRetryable
		if class == ClassCompensationRequired {
			reason = ReasonCompensationRequired
		}
		return RetryDecision{Retry: false, Reason: reason}

	case ruleHint:
		if p.exhausted(attempt, override) {
			return RetryDecision{Retry: false, Reason: ReasonMaxAttemptsExceeded}
		}
		if retryAfter > 0 {
			delay := retryAfter
			if delay > p.RetryAfterCap {
				delay = p.RetryAfterCap
			}
			return RetryDecision{Retry: true, Delay: delay}
		}
		return RetryDecision{Retry: true, Delay: p.backoff(attempt)}

	default: // ruleBackoff
		if p.exhausted(attempt, override) {
			return RetryDecision{Retry: false, Reason: ReasonMaxAttemptsExceeded}
		}
		return RetryDecision{Retry: true, Delay: p.backoff(attempt)}
	}
}

func (p *RetryPolicy) exhausted(attempt int, override StepRetryOverride) bool {
	max := p.MaxAttempts
	if override.MaxAttempts > 0 {
		max = override.MaxAttempts
	}
	return attempt >= max
}

// backoff computes base * 2^(attempt-1) * (1 ± jitter), capped.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.JitterFraction > 0 {
		jitter := 1 + p.JitterFraction*(2*p.rand()-1)
		delay *= jitter
	}

	if capped := float64(p.Cap); p.Cap > 0 && delay > capped {
		delay = capped
	}

	return time.Duration(delay)
}
