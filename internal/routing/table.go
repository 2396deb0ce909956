package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bucketflow/internal/config"
	"bucketflow/internal/envelope"
	"bucketflow/internal/logger"
	"bucketflow/pkg/cel"
	pkgerrors "bucketflow/pkg/errors"
)

// HandlerSet is the view of the handler registry needed to validate routes.
type HandlerSet interface {
	Has(id string) bool
}

type Options struct {
	DefaultRetry RetryPolicy
	Evaluator    *cel.Evaluator
	Logger       logger.Logger
}

// Table is an ordered, immutable list of routes. Replace it wholesale to
// change routing; never mutate one in place.
type Table struct {
	routes []Route
	logger logger.Logger
}

// Load validates defs against handlers and builds a Table. All problems are
// reported together as one INVALID_ROUTE_CONFIG error.
func Load(defs []config.RouteDefinition, handlers HandlerSet, opts Options) (*Table, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NopLogger()
	}

	defaultRetry := opts.DefaultRetry
	if defaultRetry == (RetryPolicy{}) {
		defaultRetry = DefaultRetryPolicy()
	}

	evaluator := opts.Evaluator
	var errs []error
	routes := make([]Route, 0, len(defs))
	seen := make(map[string]int, len(defs))

	for i, def := range defs {
		field := fmt.Sprintf("routes[%d]", i)

		name := strings.TrimSpace(def.Name)
		if name == "" {
			name = fmt.Sprintf("%s-%d", def.Handler, i)
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("%s: duplicate route name %q (first used by routes[%d])", field, name, prev))
		}
		seen[name] = i

		route := Route{
			Name:        name,
			HandlerID:   def.Handler,
			RetryPolicy: RetryPolicyFromConfig(def.Retry, defaultRetry),
		}

		switch {
		case def.Handler == "":
			errs = append(errs, fmt.Errorf("%s.handler: handler is required", field))
		case handlers == nil || !handlers.Has(def.Handler):
			errs = append(errs, pkgerrors.ErrUnknownHandler.
				WithDetail("handler_id", def.Handler).
				WithMessage("%s.handler: unknown handler %q", field, def.Handler))
		}

		for j, fd := range def.Filters {
			filterField := fmt.Sprintf("%s.filters[%d]", field, j)
			attr := Attribute(fd.Attribute)
			if !attr.Valid() {
				errs = append(errs, fmt.Errorf("%s.attribute: unknown attribute %q (valid: bucket, name, contentType, eventType)", filterField, fd.Attribute))
				continue
			}
			if fd.Pattern == "" {
				errs = append(errs, fmt.Errorf("%s.pattern: pattern is required", filterField))
				continue
			}
			route.Filters = append(route.Filters, Filter{Attribute: attr, Pattern: fd.Pattern})
		}

		if expr := strings.TrimSpace(def.Condition); expr != "" {
			if evaluator == nil {
				var err error
				if evaluator, err = cel.NewEvaluator(); err != nil {
					return nil, pkgerrors.ErrInternal.WithCause(err)
				}
			}
			cond, err := evaluator.Compile(expr)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.condition: %w", field, err))
			} else {
				route.Condition = cond
			}
		}

		if def.Retry != nil {
			switch strings.ToLower(def.Retry.Policy) {
			case "", "retry", "none":
			default:
				errs = append(errs, fmt.Errorf("%s.retry.policy: unknown retry policy %q (valid: retry, none)", field, def.Retry.Policy))
			}
		}
		if err := config.ValidateRetry(field+".retry", route.RetryPolicy.toConfig()); err != nil {
			errs = append(errs, err)
		}

		routes = append(routes, route)
	}

	if len(errs) > 0 {
		return nil, pkgerrors.ErrInvalidRouteConfig.
			WithDetail("errors", len(errs)).
			WithCause(errors.Join(errs...))
	}

	return &Table{routes: routes, logger: log}, nil
}

// NewTable builds a table from already validated routes.
func NewTable(routes []Route) *Table {
	cp := make([]Route, len(routes))
	copy(cp, routes)
	return &Table{routes: cp, logger: logger.NopLogger()}
}

// Match returns every route that fires for env, in table order.
func (t *Table) Match(ctx context.Context, env *envelope.Envelope) []Route {
	var matched []Route
	for _, r := range t.routes {
		ok, err := r.Match(ctx, env)
		if err != nil {
			t.logger.WarnwCtx(ctx, "Route condition evaluation failed, treating as no match",
				"route", r.Name,
				"event_id", env.ID,
				"error", err,
			)
			continue
		}
		if ok {
			matched = append(matched, r)
		}
	}
	return matched
}

func (t *Table) Routes() []Route {
	cp := make([]Route, len(t.routes))
	copy(cp, t.routes)
	return cp
}

func (t *Table) Len() int {
	return len(t.routes)
}

// RouteSummary is the serializable view of a route.
type RouteSummary struct {
	Name        string   `json:"name"`
	Handler     string   `json:"handler"`
	Filters     []Filter `json:"filters"`
	Condition   string   `json:"condition,omitempty"`
	RetryPolicy string   `json:"retry_policy"`
}

func (t *Table) Describe() []RouteSummary {
	out := make([]RouteSummary, 0, len(t.routes))
	for _, r := range t.routes {
		s := RouteSummary{
			Name:        r.Name,
			Handler:     r.HandlerID,
			Filters:     append([]Filter{}, r.Filters...),
			RetryPolicy: r.RetryPolicy.String(),
		}
		if r.Condition != nil {
			s.Condition = r.Condition.Expression()
		}
		out = append(out, s)
	}
	return out
}

func (p RetryPolicy) toConfig() config.RetryConfig {
	return config.RetryConfig{
		Policy:      p.Kind.String(),
		MaxAttempts: p.MaxAttempts,
		BackoffBase: p.BackoffBase,
		MaxBackoff:  p.MaxBackoff,
	}
}
