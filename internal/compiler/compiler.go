package compiler

import (
	"context"
	"fmt"
	"time"

	eventbus "github.com/hanpama/plangraph/internal/eventbus"
	events "github.com/hanpama/plangraph/internal/events"
	language "github.com/hanpama/plangraph/internal/language"
	opid "github.com/hanpama/plangraph/internal/opid"
	plan "github.com/hanpama/plangraph/internal/plan"
	schema "github.com/hanpama/plangraph/internal/schema"
)

// Options configures compilation.
type Options struct {
	// MaxDedupIterations caps the deduplication fixpoint loop. Exceeding it is
	// an internal error: a plan kind whose Deduplicate never converges.
	MaxDedupIterations int

	// EnableIncremental turns @defer/@stream boundaries into group ids. When
	// false the directives are ignored and everything runs in the root group.
	EnableIncremental bool
}

type Option func(*Options)

func WithMaxDedupIterations(n int) Option {
	return func(o *Options) { o.MaxDedupIterations = n }
}

func WithoutIncremental() Option {
	return func(o *Options) { o.EnableIncremental = false }
}

// Operation is one compiled operation: the plan table, the field digests, and
// every cross-plan index the executor needs. Immutable once Compile returns.
type Operation struct {
	schema    *schema.Schema
	document  *language.QueryDocument
	operation *language.OperationDefinition
	variables map[string]any
	table     *plan.Table

	incrementalEnabled bool
	maxDedupIterations int

	valuePlanID        plan.Handle
	subscriptionPlanID plan.Handle

	planIDByPath            map[string]plan.Handle
	itemPlanIDByPath        map[string]plan.Handle
	sideEffectPlanIDsByPath map[string][]plan.Handle
	typePlanSeeds           []plan.Handle

	rootDigests  []*FieldDigest
	digestByPath map[string]*FieldDigest

	// treeRoot lives only during compilation; nil once the operation is ready.
	treeRoot     *treeNode
	groupIDCount int
}

// Compile turns a parsed operation into a ready plan graph, driving the
// linear phase pipeline: plan, validate, deduplicate, optimize, finalize.
func Compile(
	sch *schema.Schema,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	opts ...Option,
) (*Operation, error) {
	options := Options{MaxDedupIterations: 10, EnableIncremental: true}
	for _, f := range opts {
		f(&options)
	}

	operation := language.GetOperation(document, operationName)
	if operation == nil {
		return nil, fmt.Errorf("operation %q not found", operationName)
	}

	start := time.Now()
	ctx, _ := opid.NewContext(context.Background())
	eventbus.Publish(ctx, events.CompileStart{
		OperationName: operation.Name,
		OperationType: string(operation.Operation),
	})

	op, err := compile(sch, document, operation, variableValues, options)

	finish := events.CompileFinish{
		OperationName: operation.Name,
		OperationType: string(operation.Operation),
		Duration:      time.Since(start),
		Err:           err,
	}
	if op != nil {
		finish.PlanCount = len(op.table.Live())
	}
	eventbus.Publish(ctx, finish)

	return op, err
}

func compile(
	sch *schema.Schema,
	document *language.QueryDocument,
	operation *language.OperationDefinition,
	variableValues map[string]any,
	options Options,
) (*Operation, error) {
	variables, err := coerceVariableValues(sch, operation, variableValues)
	if err != nil {
		return nil, err
	}

	op := &Operation{
		schema:                  sch,
		document:                document,
		operation:               operation,
		variables:               variables,
		table:                   plan.NewTable(),
		incrementalEnabled:      options.EnableIncremental,
		maxDedupIterations:      options.MaxDedupIterations,
		valuePlanID:             plan.InvalidHandle,
		subscriptionPlanID:      plan.InvalidHandle,
		planIDByPath:            make(map[string]plan.Handle),
		itemPlanIDByPath:        make(map[string]plan.Handle),
		sideEffectPlanIDsByPath: make(map[string][]plan.Handle),
		digestByPath:            make(map[string]*FieldDigest),
		groupIDCount:            1, // 0 is the root group
	}

	if err := op.table.Advance(plan.PhasePlan); err != nil {
		return nil, err
	}
	if err := op.planOperation(); err != nil {
		return nil, err
	}
	if err := op.finalizeArgumentsSweep(); err != nil {
		return nil, err
	}
	op.treeShake()

	if err := op.table.Advance(plan.PhaseValidate); err != nil {
		return nil, err
	}
	if err := op.validatePlans(); err != nil {
		return nil, err
	}
	op.assignGroupIDs()
	op.treeShake()

	if err := op.table.Advance(plan.PhaseDeduplicate); err != nil {
		return nil, err
	}
	if err := op.deduplicatePlans(); err != nil {
		return nil, err
	}
	op.treeShake()

	if err := op.table.Advance(plan.PhaseOptimize); err != nil {
		return nil, err
	}
	if err := op.optimizePlans(); err != nil {
		return nil, err
	}
	// Optimization can expose new duplicates.
	if err := op.deduplicatePlans(); err != nil {
		return nil, err
	}
	op.treeShake()

	if err := op.table.Advance(plan.PhaseFinalize); err != nil {
		return nil, err
	}
	if err := op.assignCommonAncestors(); err != nil {
		return nil, err
	}
	if err := op.finalizePlans(); err != nil {
		return nil, err
	}
	op.computePrefetches()

	if err := op.table.Advance(plan.PhaseReady); err != nil {
		return nil, err
	}
	op.treeRoot = nil

	return op, nil
}

func (op *Operation) newGroupID() int {
	id := op.groupIDCount
	op.groupIDCount++
	return id
}

// Schema returns the schema the operation was compiled against.
func (op *Operation) Schema() *schema.Schema { return op.schema }

// Table returns the plan table. Callers must resolve handles through it and
// never retain plan references.
func (op *Operation) Table() *plan.Table { return op.table }

// OperationType reports query, mutation, or subscription.
func (op *Operation) OperationType() language.Operation { return op.operation.Operation }

// OperationName returns the operation's name, empty for anonymous operations.
func (op *Operation) OperationName() string { return op.operation.Name }

// RootDigests returns the digests of the operation's root selection set.
func (op *Operation) RootDigests() []*FieldDigest { return op.rootDigests }

// DigestByPath resolves a field path identity to its digest.
func (op *Operation) DigestByPath(pathIdentity string) *FieldDigest {
	return op.digestByPath[pathIdentity]
}

// ValuePlanID returns the placeholder plan standing for the root value.
func (op *Operation) ValuePlanID() plan.Handle { return op.valuePlanID }

// SubscriptionPlanID returns the plan serving the subscription event stream,
// or InvalidHandle for queries and mutations.
func (op *Operation) SubscriptionPlanID() plan.Handle { return op.subscriptionPlanID }

// SideEffectPlanIDs returns the side-effect plans created at the given field
// path, in declaration order.
func (op *Operation) SideEffectPlanIDs(pathIdentity string) []plan.Handle {
	return op.sideEffectPlanIDsByPath[pathIdentity]
}

// ResolvePlan resolves a handle through the live table.
func (op *Operation) ResolvePlan(h plan.Handle) plan.Plan {
	return op.table.Get(h)
}

// canonical maps a handle to the id of the live plan occupying its slot.
func (op *Operation) canonical(h plan.Handle) plan.Handle {
	p := op.table.Get(h)
	if p == nil {
		return plan.InvalidHandle
	}
	return p.ID()
}
