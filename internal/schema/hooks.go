package schema

import (
	"context"

	plan "github.com/hanpama/plangraph/internal/plan"
)

// FieldPlanResolver produces a field's plan. parent is the plan representing
// the parent position: the declaring type's plan when that type expects one,
// otherwise a placeholder wrapping the raw parent value when the field's
// named result type expects a plan.
type FieldPlanResolver func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error)

// FieldResolver is a plain per-object resolver for fields that are not
// expressed as plans. The compiler wraps it in a synchronous lambda over the
// parent value.
type FieldResolver func(ctx context.Context, source any, args map[string]any) (any, error)

// ArgumentPlanResolver lets an argument modify the field plan it belongs to.
// value is the coerced argument value for this operation.
type ArgumentPlanResolver func(ctx *plan.Context, fieldPlan plan.Plan, value any) error
