package plan

// TransformSpec supplies the fold protocol for a list transform: an initial
// accumulator, a reducer applied to each element's computed value, and an
// optional finishing step.
type TransformSpec struct {
	Initial func() any
	Reduce  func(memo any, value any, index int) any
	Finish  func(memo any) any
}

// ItemPlanFunc builds the per-element computation of a list transform. It
// receives the item boundary plan standing for one list element.
type ItemPlanFunc func(ctx *Context, item *ListItem) (Plan, error)

// ListTransform maps a dependent item plan over each element of its list
// dependency and folds the per-element results through a TransformSpec. The
// executor evaluates it via the reducer protocol rather than the generic
// list layering machinery.
type ListTransform struct {
	Base
	spec       *TransformSpec
	itemPlanFn ItemPlanFunc
	itemCtx    *Context

	itemBoundary Handle
	itemPlan     Handle
}

func NewListTransform(ctx *Context, list Plan, spec *TransformSpec, itemPlanFn ItemPlanFunc) (*ListTransform, error) {
	if spec == nil || spec.Initial == nil || spec.Reduce == nil {
		return nil, Internalf("list transform requires an initial state and a reducer")
	}
	p := &ListTransform{
		spec:         spec,
		itemPlanFn:   itemPlanFn,
		itemBoundary: InvalidHandle,
		itemPlan:     InvalidHandle,
	}
	if err := ctx.register(p, false); err != nil {
		return nil, err
	}
	if _, err := p.AddDependency(list); err != nil {
		return nil, err
	}
	p.itemCtx = ctx.At(ctx.PathIdentity()+"[]", ctx.GroupIDs())
	return p, nil
}

func (p *ListTransform) Kind() string { return "listTransform" }

// FinalizeArguments registers the nested item plan. This is the one hook
// where a plan may still create plans on its own behalf.
func (p *ListTransform) FinalizeArguments() error {
	if p.itemPlanFn != nil {
		list := p.table.Get(p.dependencies[0])
		if list == nil {
			return Internalf("%s: list dependency is gone", p.ID())
		}
		item, err := NewListItem(p.itemCtx, list, 1)
		if err != nil {
			return err
		}
		itemPlan, err := p.itemPlanFn(p.itemCtx, item)
		if err != nil {
			return err
		}
		p.itemBoundary = item.ID()
		p.itemPlan = itemPlan.base().id
	}
	return p.Base.FinalizeArguments()
}

// TransformListDependency returns the dependency index of the list input.
func (p *ListTransform) TransformListDependency() int { return 0 }

// TransformItemBoundary returns the item plan slot each element value is fed
// into before the per-element computation runs.
func (p *ListTransform) TransformItemBoundary() Handle { return p.itemBoundary }

// TransformItemPlan returns the per-element computation. It seeds the
// liveness pass: the transform depends on it for its result even though it is
// not a graph dependency.
func (p *ListTransform) TransformItemPlan() Handle { return p.itemPlan }

func (p *ListTransform) TransformSpec() *TransformSpec { return p.spec }
