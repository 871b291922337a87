package engine

import (
	"context"
	"time"

	compiler "github.com/hanpama/plangraph/internal/compiler"
	eventbus "github.com/hanpama/plangraph/internal/eventbus"
	events "github.com/hanpama/plangraph/internal/events"
	language "github.com/hanpama/plangraph/internal/language"
	opid "github.com/hanpama/plangraph/internal/opid"
	plan "github.com/hanpama/plangraph/internal/plan"
)

// Result is the outcome of executing one operation.
type Result struct {
	Data   map[string]any
	Errors []ExecutionError
}

// ExecutionError is one field failure, located by its response path.
type ExecutionError struct {
	Message string
	Path    []any
}

func (e ExecutionError) Error() string { return e.Message }

// TypeNamer lets opaque source values report their concrete GraphQL type for
// polymorphic completion. Map values may instead carry a "__typename" key.
type TypeNamer interface {
	GraphQLTypeName() string
}

// Execute runs a compiled query or mutation against a root value. Field
// failures are isolated into Result.Errors; only internal inconsistencies
// abort the whole execution.
func Execute(ctx context.Context, op *compiler.Operation, rootValue any) *Result {
	ctx, _ = opid.NewContext(ctx)
	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{
		OperationName: op.OperationName(),
		OperationType: string(op.OperationType()),
	})

	var res *Result
	if op.OperationType() == language.Subscription {
		res = &Result{Errors: []ExecutionError{{
			Message: "subscription operations must be executed through Subscribe",
		}}}
	} else {
		res = newExecution(ctx, op, rootValue).run()
	}

	eventbus.Publish(ctx, events.OperationFinish{
		OperationName: op.OperationName(),
		OperationType: string(op.OperationType()),
		ErrorCount:    len(res.Errors),
		Duration:      time.Since(start),
	})
	return res
}

// execution is the per-run state: the bucket tree, per-plan scratch space,
// and collected field errors. A single execution is not safe for concurrent
// use; each run owns its own.
type execution struct {
	ctx        context.Context
	op         *compiler.Operation
	table      *plan.Table
	rootBucket *bucket
	meta       map[plan.Handle]plan.Meta
	batches    map[string]*batch
	errs       []ExecutionError
}

func newExecution(ctx context.Context, op *compiler.Operation, rootValue any) *execution {
	e := &execution{
		ctx:        ctx,
		op:         op,
		table:      op.Table(),
		rootBucket: newBucket("", nil),
		meta:       make(map[plan.Handle]plan.Meta),
		batches:    make(map[string]*batch),
	}
	e.rootBucket.values[e.canonical(op.ValuePlanID())] = rootValue
	return e
}

func (e *execution) run() *Result {
	data := make(map[string]any)
	root := &object{bucket: e.rootBucket, out: data}
	for _, d := range e.op.RootDigests() {
		if err := e.completeField(d, []*object{root}); err != nil {
			e.errs = append(e.errs, ExecutionError{Message: err.Error()})
			break
		}
	}
	return &Result{Data: data, Errors: e.errs}
}

func (e *execution) canonical(h plan.Handle) plan.Handle {
	p := e.table.Get(h)
	if p == nil {
		return plan.InvalidHandle
	}
	return p.ID()
}

func (e *execution) metaFor(h plan.Handle) plan.Meta {
	m, ok := e.meta[h]
	if !ok {
		m = make(plan.Meta)
		e.meta[h] = m
	}
	return m
}

func (e *execution) addError(msg string, path []any) {
	e.errs = append(e.errs, ExecutionError{Message: msg, Path: append([]any(nil), path...)})
}

func typeNameOf(v any) (string, bool) {
	if m, ok := v.(map[string]any); ok {
		if tn, ok := m["__typename"].(string); ok {
			return tn, true
		}
	}
	if tn, ok := v.(TypeNamer); ok {
		return tn.GraphQLTypeName(), true
	}
	return "", false
}
