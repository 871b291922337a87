package plan

import (
	"context"
	"fmt"
	"sort"
)

// Handle is the stable identity of a plan within a Table. Holders must always
// resolve a Handle through the live table; deduplication and optimization may
// re-point the slot at a replacement plan.
type Handle int

// InvalidHandle marks an unassigned plan reference.
const InvalidHandle Handle = -1

func (h Handle) String() string {
	if h == InvalidHandle {
		return "plan(invalid)"
	}
	return fmt.Sprintf("plan(%d)", int(h))
}

// Row holds the resolved dependency values for one unit of execution, indexed
// by dependency position.
type Row []any

// Meta is the per-plan scratch space shared across Execute calls within one
// operation. Plans may use it to memoize work between batches.
type Meta map[string]any

// StreamOptions carries the incremental-delivery options requested for a
// streamed field.
type StreamOptions struct {
	InitialCount int
}

// Plan is a node in the computation DAG describing how to derive a value from
// its dependencies.
//
// Lifecycle hooks are invoked by the compiler in phase order: FinalizeArguments
// once at the end of planning, Deduplicate with structurally comparable peers,
// Optimize exactly once (dependents first), Finalize once on every surviving
// plan. Execute runs one batch of rows; implementations report per-row
// failures as *Error values inside the returned slice so sibling rows proceed.
type Plan interface {
	Kind() string

	// Metadata accessors, provided by the embedded Base.
	ID() Handle
	ParentPathIdentity() string
	CommonAncestorPathIdentity() string
	Dependencies() []Handle
	Sync() bool
	HasSideEffects() bool
	GroupIDs() []int
	StreamOptions() *StreamOptions

	// FinalizeArguments locks the dependency list. List transforms use this
	// hook to register their nested item plans.
	FinalizeArguments() error

	// Deduplicate must return the receiver or one of peers. Peers share the
	// receiver's concrete kind, parent path identity, and dependency identity.
	Deduplicate(peers []Plan) Plan

	// Optimize may return a structurally simpler replacement. It is invoked
	// exactly once per plan; the compiler enforces this.
	Optimize(opts *StreamOptions) Plan

	// Finalize is the last chance to precompute constant internal state.
	Finalize() error

	Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error)

	base() *Base
}

// ListCapable plans know how to project a per-item plan for their list
// results instead of falling back to generic indexing.
type ListCapable interface {
	Plan
	ListItem(ctx *Context, item *ListItem) (Plan, error)
}

// Streamable plans can deliver a list result as a push-style stream.
type Streamable interface {
	Plan
	ExecuteStream(ctx context.Context, rows []Row, meta Meta, opts *StreamOptions) ([]Stream, error)
}

// PolymorphicCapable plans can specialize themselves for a concrete object
// type selected under an interface or union result.
type PolymorphicCapable interface {
	Plan
	PlanForType(ctx *Context, typeName string) (Plan, error)
}

// Transformer marks list-transform plans, which the executor evaluates via the
// reducer protocol rather than the generic list layering machinery.
type Transformer interface {
	Plan
	TransformListDependency() int
	TransformItemBoundary() Handle
	TransformItemPlan() Handle
	TransformSpec() *TransformSpec
}

// Base carries the bookkeeping common to every plan kind. Concrete kinds embed
// it and override the lifecycle hooks they care about.
type Base struct {
	self  Plan
	table *Table
	id    Handle

	parentPathIdentity         string
	commonAncestorPathIdentity string
	ancestorAssigned           bool

	dependencies []Handle

	sync           bool
	hasSideEffects bool

	groupIDs map[int]struct{}

	streamOptions *StreamOptions

	argumentsFinalized bool
	optimized          bool
	finalized          bool
}

func (b *Base) base() *Base { return b }

// BaseOf exposes a plan's bookkeeping to the compiler's passes. Plan
// implementations outside this package gain it by embedding Base.
func BaseOf(p Plan) *Base { return p.base() }

// Self returns the plan this Base belongs to.
func (b *Base) Self() Plan { return b.self }

// ID returns the plan's stable handle.
func (b *Base) ID() Handle { return b.id }

// ParentPathIdentity reports where the plan was created.
func (b *Base) ParentPathIdentity() string { return b.parentPathIdentity }

// CommonAncestorPathIdentity reports the bucket scope assigned in the finalize
// phase. Empty until then.
func (b *Base) CommonAncestorPathIdentity() string { return b.commonAncestorPathIdentity }

// AssignCommonAncestor sets the plan's bucket scope. Assigning twice is an
// internal error.
func (b *Base) AssignCommonAncestor(pathIdentity string) error {
	if b.ancestorAssigned {
		return Internalf("common ancestor already assigned for %s", b.id)
	}
	b.commonAncestorPathIdentity = pathIdentity
	b.ancestorAssigned = true
	return nil
}

// Dependencies returns the plan's dependency handles in declaration order.
func (b *Base) Dependencies() []Handle { return b.dependencies }

// Sync reports whether the plan may execute without incurring a deferral.
func (b *Base) Sync() bool { return b.sync }

// HasSideEffects reports whether the plan mutates external state. Such plans
// are never deduplicated and execute strictly in declaration order.
func (b *Base) HasSideEffects() bool { return b.hasSideEffects }

// GroupIDs returns the sorted incremental-delivery scopes the plan is used in.
func (b *Base) GroupIDs() []int {
	ids := make([]int, 0, len(b.groupIDs))
	for id := range b.groupIDs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// AddGroupID records that the plan's value belongs to the given
// incremental-delivery scope. A plan used under several scopes accumulates
// every one of them.
func (b *Base) AddGroupID(id int) {
	if b.groupIDs == nil {
		b.groupIDs = make(map[int]struct{})
	}
	b.groupIDs[id] = struct{}{}
}

// InGroup reports membership in the given incremental-delivery scope.
func (b *Base) InGroup(id int) bool {
	_, ok := b.groupIDs[id]
	return ok
}

// SameGroups reports whether two plans belong to exactly the same scopes.
func (b *Base) SameGroups(other *Base) bool {
	if len(b.groupIDs) != len(other.groupIDs) {
		return false
	}
	for id := range b.groupIDs {
		if _, ok := other.groupIDs[id]; !ok {
			return false
		}
	}
	return true
}

// StreamOptions returns the stream options requested for this plan, or nil.
func (b *Base) StreamOptions() *StreamOptions { return b.streamOptions }

// SetStreamOptions records incremental-delivery options for a streamed field.
func (b *Base) SetStreamOptions(opts *StreamOptions) { b.streamOptions = opts }

// AddDependency appends a dependency and returns its index. Valid only until
// arguments are finalized; a plan may only depend on plans created strictly
// before it.
func (b *Base) AddDependency(p Plan) (int, error) {
	if b.argumentsFinalized {
		return 0, Internalf("%s: cannot add dependency after arguments are finalized", b.id)
	}
	dep := p.base()
	if dep.table != b.table {
		return 0, Internalf("%s: dependency belongs to a different plan table", b.id)
	}
	if dep.id >= b.id {
		return 0, Internalf("%s: dependency %s was not created before this plan", b.id, dep.id)
	}
	b.dependencies = append(b.dependencies, dep.id)
	return len(b.dependencies) - 1, nil
}

// ArgumentsFinalized reports whether the dependency list is locked.
func (b *Base) ArgumentsFinalized() bool { return b.argumentsFinalized }

// FinalizeArguments implements the default hook: lock the dependency list.
func (b *Base) FinalizeArguments() error {
	if b.argumentsFinalized {
		return Internalf("%s: arguments finalized twice", b.id)
	}
	b.argumentsFinalized = true
	return nil
}

// Deduplicate implements the default hook: keep the receiver.
func (b *Base) Deduplicate(peers []Plan) Plan { return b.self }

// Optimize implements the default hook: no replacement.
func (b *Base) Optimize(opts *StreamOptions) Plan { return b.self }

// MarkOptimized records that Optimize ran. Running it twice is an internal
// error (a fatal compiler bug, not a user error).
func (b *Base) MarkOptimized() error {
	if b.optimized {
		return Internalf("%s: optimized twice", b.id)
	}
	b.optimized = true
	return nil
}

// Optimized reports whether the optimize hook already ran.
func (b *Base) Optimized() bool { return b.optimized }

// Finalize implements the default hook.
func (b *Base) Finalize() error {
	if b.finalized {
		return Internalf("%s: finalized twice", b.id)
	}
	b.finalized = true
	return nil
}

// Finalized reports whether the plan is frozen.
func (b *Base) Finalized() bool { return b.finalized }

// Execute implements the default hook for plan kinds that are never executed
// directly (placeholders consumed by the executor's layering machinery).
func (b *Base) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	return nil, Internalf("%s: plan kind is not directly executable", b.id)
}

// DependenciesEqual reports pairwise-identical dependency identity, the
// precondition for two plans being deduplication peers.
func DependenciesEqual(a, b Plan) bool {
	da, db := a.base().dependencies, b.base().dependencies
	if len(da) != len(db) {
		return false
	}
	for i := range da {
		if da[i] != db[i] {
			return false
		}
	}
	return true
}
