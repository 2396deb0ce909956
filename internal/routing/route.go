package routing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bucketflow/internal/config"
	"bucketflow/internal/constants"
	"bucketflow/internal/envelope"
	"bucketflow/pkg/cel"
)

type RetryKind int

const (
	RetryKindRetry RetryKind = iota
	RetryKindNone
)

func (k RetryKind) String() string {
	if k == RetryKindNone {
		return "none"
	}
	return "retry"
}

// RetryPolicy bounds the attempt loop of one route. MaxBackoff of zero leaves
// the exponential delay uncapped.
type RetryPolicy struct {
	Kind        RetryKind
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

func Retry(maxAttempts int, backoffBase time.Duration) RetryPolicy {
	return RetryPolicy{
		Kind:        RetryKindRetry,
		MaxAttempts: maxAttempts,
		BackoffBase: backoffBase,
	}
}

func NoRetry() RetryPolicy {
	return RetryPolicy{Kind: RetryKindNone, MaxAttempts: 1}
}

// DefaultRetryPolicy is used when neither the route nor dispatch config set one.
func DefaultRetryPolicy() RetryPolicy {
	return Retry(constants.DefaultRetryMaxAttempts, constants.DefaultRetryBackoffBase).
		WithMaxBackoff(constants.DefaultRetryMaxBackoff)
}

func (p RetryPolicy) WithMaxBackoff(d time.Duration) RetryPolicy {
	p.MaxBackoff = d
	return p
}

// Attempts is the total number of invocations the policy allows.
func (p RetryPolicy) Attempts() int {
	if p.Kind == RetryKindNone || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// ShouldRetry reports whether a failed attempt number (1-based) gets another try.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return p.Kind == RetryKindRetry && attempt < p.Attempts()
}

func (p RetryPolicy) String() string {
	if p.Kind == RetryKindNone {
		return "NoRetry"
	}
	return fmt.Sprintf("Retry(%d, %s)", p.MaxAttempts, p.BackoffBase)
}

// RetryPolicyFromConfig resolves a retry block, taking unset fields from def.
func RetryPolicyFromConfig(cfg *config.RetryConfig, def RetryPolicy) RetryPolicy {
	if cfg == nil {
		return def
	}
	if strings.EqualFold(cfg.Policy, "none") {
		return NoRetry()
	}

	p := def
	p.Kind = RetryKindRetry
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BackoffBase > 0 {
		p.BackoffBase = cfg.BackoffBase
	}
	if cfg.MaxBackoff > 0 {
		p.MaxBackoff = cfg.MaxBackoff
	}
	return p
}

// Route binds a filter set, and optionally a CEL condition, to a handler.
type Route struct {
	Name        string
	HandlerID   string
	Filters     []Filter
	Condition   *cel.Condition
	RetryPolicy RetryPolicy
}

// Match reports whether the route fires for env. A condition that fails to
// evaluate counts as no match.
func (r Route) Match(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if !Matches(r.Filters, env) {
		return false, nil
	}
	if r.Condition == nil {
		return true, nil
	}
	return r.Condition.Evaluate(ctx, env)
}
