package compiler

import (
	"context"
	"fmt"
	"strings"

	language "github.com/hanpama/plangraph/internal/language"
	plan "github.com/hanpama/plangraph/internal/plan"
	schema "github.com/hanpama/plangraph/internal/schema"
)

const rootGroupID = 0

// planOperation seeds the root value plan and walks the operation's selection
// set, building plans, digests, and tree nodes as it goes.
func (op *Operation) planOperation() error {
	var rootTypeName string
	switch op.operation.Operation {
	case language.Query:
		rootTypeName = op.schema.QueryType
	case language.Mutation:
		rootTypeName = op.schema.MutationType
	case language.Subscription:
		rootTypeName = op.schema.SubscriptionType
	default:
		return fmt.Errorf("unsupported operation type: %s", op.operation.Operation)
	}
	rootType := op.schema.Types[rootTypeName]
	if rootType == nil {
		return fmt.Errorf("root type not found for %s operation", op.operation.Operation)
	}

	rootGroups := []int{rootGroupID}
	rootCtx := plan.NewContext(op.table, "", rootGroups)
	valuePlan, err := plan.NewValue(rootCtx)
	if err != nil {
		return err
	}
	op.valuePlanID = valuePlan.ID()
	op.planIDByPath[""] = valuePlan.ID()
	op.itemPlanIDByPath[""] = valuePlan.ID()
	op.treeRoot = &treeNode{pathIdentity: "", groupIDs: rootGroups, planID: valuePlan.ID()}

	collected, err := op.collectFields(rootType, op.operation.SelectionSet, rootGroups)
	if err != nil {
		return err
	}
	if op.operation.Operation == language.Subscription && len(collected) != 1 {
		return fmt.Errorf("subscription operations must select exactly one root field")
	}

	digests, err := op.planFields(rootType, collected, valuePlan, "", op.treeRoot)
	if err != nil {
		return err
	}
	op.rootDigests = digests

	if op.operation.Operation == language.Subscription && len(digests) == 1 {
		op.subscriptionPlanID = digests[0].PlanID
	}
	return nil
}

// planFields plans one selection set against a concrete object type and
// returns the resulting digests in query order.
func (op *Operation) planFields(
	objectType *schema.Type,
	collected []collectedField,
	parentPlan plan.Plan,
	parentPath string,
	parentNode *treeNode,
) ([]*FieldDigest, error) {
	digests := make([]*FieldDigest, 0, len(collected))
	for _, cf := range collected {
		digest, err := op.planField(objectType, cf, parentPlan, parentPath, parentNode)
		if err != nil {
			return nil, err
		}
		digests = append(digests, digest)
	}
	return digests, nil
}

func (op *Operation) planField(
	objectType *schema.Type,
	cf collectedField,
	parentPlan plan.Plan,
	parentPath string,
	parentNode *treeNode,
) (*FieldDigest, error) {
	field := cf.Fields[0]
	pathIdentity := fieldPathIdentity(parentPath, objectType.Name, cf.ResponseKey)
	node := parentNode.addChild(&treeNode{pathIdentity: pathIdentity, groupIDs: cf.GroupIDs})

	if field.Name == "__typename" {
		ctx := plan.NewContext(op.table, pathIdentity, cf.GroupIDs)
		tp, err := plan.NewConstant(ctx, objectType.Name)
		if err != nil {
			return nil, err
		}
		node.planID = tp.ID()
		op.planIDByPath[pathIdentity] = tp.ID()
		op.itemPlanIDByPath[pathIdentity] = tp.ID()
		digest := &FieldDigest{
			PathIdentity: pathIdentity,
			ResponseKey:  cf.ResponseKey,
			FieldName:    field.Name,
			TypeName:     objectType.Name,
			PlanID:       tp.ID(),
			ItemPlanID:   tp.ID(),
			IsLeaf:       true,
		}
		op.digestByPath[pathIdentity] = digest
		return digest, nil
	}

	fieldDef := objectType.Field(field.Name)
	if fieldDef == nil {
		return nil, fmt.Errorf("cannot query field %q on type %q", field.Name, objectType.Name)
	}

	args, err := coerceArgumentValues(fieldDef, field.Arguments, op.variables)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", pathIdentity, err)
	}

	fieldPlan, unplanned, err := op.planFieldPlan(objectType, fieldDef, parentPlan, args, pathIdentity, cf.GroupIDs)
	if err != nil {
		return nil, err
	}
	node.planID = fieldPlan.ID()
	op.planIDByPath[pathIdentity] = fieldPlan.ID()

	// An active @stream on a stream-capable field opens an incremental
	// boundary below the first list layer.
	itemGroups := cf.GroupIDs
	streamed := false
	if opts, ok, serr := op.streamOptions(field.Directives, fieldDef); serr != nil {
		return nil, serr
	} else if ok {
		plan.BaseOf(fieldPlan).SetStreamOptions(opts)
		itemGroups = []int{op.newGroupID()}
		streamed = true
	}

	listDepth := fieldDef.Type.ListDepth()
	var layers []ListLayer
	cur := fieldPlan
	curPath := pathIdentity
	curNode := node
	for d := 1; d <= listDepth; d++ {
		curPath = itemPathIdentity(curPath)
		itemCtx := plan.NewContext(op.table, curPath, itemGroups)
		boundary, err := plan.NewListItem(itemCtx, cur, d)
		if err != nil {
			return nil, err
		}
		var item plan.Plan = boundary
		if lc, ok := cur.(plan.ListCapable); ok {
			projected, err := lc.ListItem(itemCtx, boundary)
			if err != nil {
				return nil, err
			}
			if projected != nil {
				item = projected
			}
		}
		layers = append(layers, ListLayer{PathIdentity: curPath, Boundary: boundary.ID(), Item: item.ID()})
		op.itemPlanIDByPath[curPath] = item.ID()
		curNode = curNode.addChild(&treeNode{pathIdentity: curPath, groupIDs: itemGroups, planID: item.ID()})
		cur = item
	}
	if listDepth == 0 {
		op.itemPlanIDByPath[pathIdentity] = cur.ID()
	}

	digest := &FieldDigest{
		PathIdentity: pathIdentity,
		ResponseKey:  cf.ResponseKey,
		FieldName:    field.Name,
		TypeName:     objectType.Name,
		PlanID:       fieldPlan.ID(),
		ItemPlanID:   cur.ID(),
		Layers:       layers,
		ListDepth:    listDepth,
		Unplanned:    unplanned,
		Streamed:     streamed,
	}

	resultTypeName := fieldDef.Type.GetNamedType()
	resultType := op.schema.Types[resultTypeName]
	if resultType == nil {
		return nil, fmt.Errorf("unknown type %q in field %s", resultTypeName, pathIdentity)
	}
	digest.ResultTypeName = resultTypeName

	switch resultType.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		digest.IsLeaf = true

	case schema.TypeKindObject:
		if !hasSubSelection(cf.Fields) {
			return nil, fmt.Errorf("field %s of object type %s must have a selection of subfields", pathIdentity, resultTypeName)
		}
		childCollected, err := op.collectChildFields(resultType, cf, itemGroups, streamed)
		if err != nil {
			return nil, err
		}
		children, err := op.planFields(resultType, childCollected, cur, curPath, curNode)
		if err != nil {
			return nil, err
		}
		digest.Children = children

	case schema.TypeKindInterface, schema.TypeKindUnion:
		digest.IsPolymorphic = true
		if err := op.planPolymorphic(digest, resultType, cf, cur, curPath, curNode, itemGroups, streamed); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("field %s has non-output result type %s", pathIdentity, resultType.Kind)
	}

	op.digestByPath[pathIdentity] = digest
	return digest, nil
}

// planPolymorphic plans a polymorphic result once per concretely selected
// object type and unions the per-type digests by response key.
func (op *Operation) planPolymorphic(
	digest *FieldDigest,
	abstractType *schema.Type,
	cf collectedField,
	cur plan.Plan,
	curPath string,
	curNode *treeNode,
	groupIDs []int,
	streamed bool,
) error {
	if !hasSubSelection(cf.Fields) {
		return fmt.Errorf("field %s of abstract type %s must have a selection of subfields", digest.PathIdentity, abstractType.Name)
	}
	digest.TypeChildren = make(map[string][]*FieldDigest)
	digest.TypePlans = make(map[string]plan.Handle)

	for _, typeName := range abstractType.PossibleTypes {
		concrete := op.schema.Types[typeName]
		if concrete == nil || concrete.Kind != schema.TypeKindObject {
			return plan.Internalf("possible type %q of %s is not an object type", typeName, abstractType.Name)
		}
		childCollected, err := op.collectChildFields(concrete, cf, groupIDs, streamed)
		if err != nil {
			return err
		}
		if len(childCollected) == 0 {
			continue
		}

		parentInput := cur
		if pc, ok := cur.(plan.PolymorphicCapable); ok {
			typeCtx := plan.NewContext(op.table, curPath, groupIDs)
			tp, err := pc.PlanForType(typeCtx, typeName)
			if err != nil {
				return err
			}
			if tp != nil {
				parentInput = tp
				op.typePlanSeeds = append(op.typePlanSeeds, tp.ID())
				curNode.addChild(&treeNode{pathIdentity: curPath, groupIDs: groupIDs, planID: tp.ID()})
			}
		}

		children, err := op.planFields(concrete, childCollected, parentInput, curPath, curNode)
		if err != nil {
			return err
		}
		digest.TypeChildren[typeName] = children
		digest.TypePlans[typeName] = parentInput.ID()

		for _, child := range children {
			merged := false
			for _, have := range digest.Children {
				if have.ResponseKey == child.ResponseKey {
					merged = true
					break
				}
			}
			if !merged {
				digest.Children = append(digest.Children, child)
			}
		}
	}
	return nil
}

// planFieldPlan applies the field planning policy. Three independent booleans
// govern behavior: whether the declaring type expects a plan, whether the
// field supplies a plan resolver, and whether the named result type expects a
// plan.
func (op *Operation) planFieldPlan(
	objectType *schema.Type,
	fieldDef *schema.Field,
	parentPlan plan.Plan,
	args map[string]any,
	pathIdentity string,
	groupIDs []int,
) (plan.Plan, bool, error) {
	typeExpectsPlan := objectType.ExpectsPlan
	hasPlanFn := fieldDef.Plan != nil
	resultType := op.schema.Types[fieldDef.Type.GetNamedType()]
	resultExpectsPlan := resultType != nil && resultType.ExpectsPlan

	if fieldDef.Resolver != nil && typeExpectsPlan {
		return nil, false, fmt.Errorf(
			"field %s.%s supplies a resolver but its declaring type expects a plan; the two are mutually exclusive",
			objectType.Name, fieldDef.Name)
	}
	if fieldDef.Resolver != nil && hasPlanFn {
		return nil, false, fmt.Errorf(
			"field %s.%s supplies both a resolver and a plan resolver", objectType.Name, fieldDef.Name)
	}
	if typeExpectsPlan && !hasPlanFn {
		return nil, false, fmt.Errorf(
			"type %s expects a plan; field %s.%s must supply a plan resolver",
			objectType.Name, objectType.Name, fieldDef.Name)
	}
	if resultExpectsPlan && !hasPlanFn {
		return nil, false, fmt.Errorf(
			"result type %s expects a plan; field %s.%s must supply a plan resolver",
			resultType.Name, objectType.Name, fieldDef.Name)
	}

	mark := op.table.Len()
	ctx := plan.NewContext(op.table, pathIdentity, groupIDs)

	var fieldPlan plan.Plan
	switch {
	case hasPlanFn:
		input := parentPlan
		if !typeExpectsPlan {
			wrapped, err := plan.NewObjectValue(ctx, parentPlan)
			if err != nil {
				return nil, false, err
			}
			input = wrapped
		}
		fp, err := fieldDef.Plan(ctx, input, plan.NewTrackedArguments(args))
		if err != nil {
			return nil, false, fmt.Errorf("planning field %s: %w", pathIdentity, err)
		}
		if fp == nil {
			return nil, false, fmt.Errorf("plan resolver for field %s returned no plan", pathIdentity)
		}
		// Argument plans run in schema declaration order, not request order.
		for _, argDef := range fieldDef.Arguments {
			if argDef.Plan == nil {
				continue
			}
			if v, ok := args[argDef.Name]; ok {
				if err := argDef.Plan(ctx, fp, v); err != nil {
					return nil, false, fmt.Errorf("planning argument %s of field %s: %w", argDef.Name, pathIdentity, err)
				}
			}
		}
		fieldPlan = fp

	case fieldDef.Resolver != nil:
		resolver := fieldDef.Resolver
		fieldArgs := args
		fp, err := plan.NewLambda(ctx, func(c context.Context, in []any) (any, error) {
			var source any
			if len(in) > 0 {
				source = in[0]
			}
			return resolver(c, source, fieldArgs)
		}, parentPlan)
		if err != nil {
			return nil, false, err
		}
		fieldPlan = fp

	default:
		// Unplanned: forward the parent plan un-transformed; the path-to-plan
		// index resolves straight through.
		return parentPlan, true, nil
	}

	for id := mark; id < op.table.Len(); id++ {
		p := op.table.Get(plan.Handle(id))
		if p != nil && p.ID() == plan.Handle(id) && p.HasSideEffects() {
			// Below a list boundary a side effect would run once per element,
			// with no defined ordering across the batch.
			if strings.Contains(pathIdentity, "[]") {
				return nil, false, fmt.Errorf(
					"field %s creates a side-effect plan below a list boundary", pathIdentity)
			}
			op.sideEffectPlanIDsByPath[pathIdentity] = append(op.sideEffectPlanIDsByPath[pathIdentity], p.ID())
		}
	}
	return fieldPlan, false, nil
}

// streamOptions reads an active @stream directive on a stream-capable field.
func (op *Operation) streamOptions(directives language.DirectiveList, fieldDef *schema.Field) (*plan.StreamOptions, bool, error) {
	d := directives.ForName("stream")
	if d == nil || !op.incrementalEnabled || !fieldDef.Streamable {
		return nil, false, nil
	}
	ifVal, err := op.directiveArgument(d, "if")
	if err != nil {
		return nil, false, err
	}
	if b, ok := ifVal.(bool); ok && !b {
		return nil, false, nil
	}
	opts := &plan.StreamOptions{}
	icVal, err := op.directiveArgument(d, "initialCount")
	if err != nil {
		return nil, false, err
	}
	if n, ok := icVal.(int); ok {
		opts.InitialCount = n
	}
	return opts, true, nil
}
