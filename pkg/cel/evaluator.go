package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"bucketflow/internal/envelope"
)

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("bucket", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("contentType", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("eventType", cel.StringType),
		cel.Variable("generation", cel.StringType),
		cel.Variable("metageneration", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("createdAt", cel.TimestampType),
		cel.Variable("updatedAt", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Condition is a compiled boolean expression over an envelope. It is safe for
// concurrent use.
type Condition struct {
	expression string
	program    cel.Program
}

func (c *Condition) Expression() string {
	return c.expression
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, err := e.Compile(expression)
	return err
}

// Compile parses and type-checks expression, which must produce a bool.
func (e *Evaluator) Compile(expression string) (*Condition, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Condition{expression: expression, program: program}, nil
}

// Evaluate runs the condition against env.
func (c *Condition) Evaluate(ctx context.Context, env *envelope.Envelope) (bool, error) {
	result, _, err := c.program.ContextEval(ctx, Activation(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// Activation exposes env's attributes under the variable names declared by
// NewEvaluator. Unset optional attributes evaluate as "" or 0.
func Activation(env *envelope.Envelope) map[string]interface{} {
	metadata := env.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	return map[string]interface{}{
		"bucket":         env.Bucket,
		"name":           env.Object,
		"contentType":    env.ContentTypeOrEmpty(),
		"size":           env.SizeOrZero(),
		"eventType":      env.EventType.String(),
		"generation":     env.Generation,
		"metageneration": env.Metageneration,
		"metadata":       metadata,
		"createdAt":      env.CreatedAt,
		"updatedAt":      env.UpdatedAt,
	}
}
