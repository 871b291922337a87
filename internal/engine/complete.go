package engine

import (
	"fmt"

	compiler "github.com/hanpama/plangraph/internal/compiler"
	plan "github.com/hanpama/plangraph/internal/plan"
)

// cell is one response slot mid-completion: the value destined for it, the
// bucket it resolves against, and a setter into the surrounding structure.
type cell struct {
	value  any
	bucket *bucket
	path   []any
	set    func(any)
}

// completeField fills one response key for every object at the same path.
// All objects are driven together so each plan in the field's chain executes
// as one batch across the whole level.
func (e *execution) completeField(d *compiler.FieldDigest, objs []*object) error {
	if len(objs) == 0 {
		return nil
	}
	buckets := bucketsOf(objs)

	// Side-effect plans created while planning this field run first, in
	// declaration order, each completing before the next starts.
	for _, se := range e.op.SideEffectPlanIDs(d.PathIdentity) {
		if _, err := e.resolve(se, buckets); err != nil {
			return err
		}
	}

	b := e.getBatch(d.PathIdentity)
	if b == nil {
		b = e.makeBatch(d)
	}
	slots := make([]*batchSlot, len(objs))
	for i, o := range objs {
		slots[i] = b.add(o.bucket)
	}
	if err := e.drain(b); err != nil {
		return err
	}

	cells := make([]cell, len(objs))
	for i, o := range objs {
		o := o
		cells[i] = cell{
			value:  slots[i].value,
			bucket: o.bucket,
			path:   append(append([]any(nil), o.path...), d.ResponseKey),
			set:    func(v any) { o.out[d.ResponseKey] = v },
		}
	}

	// Peel list layers breadth-first: branch a bucket per element, then
	// resolve the layer's item plan across every element at once.
	for depth := 0; depth < d.ListDepth; depth++ {
		layer := d.Layers[depth]
		boundary := e.canonical(layer.Boundary)
		var next []cell
		for _, c := range cells {
			if pe, ok := plan.AsError(c.value); ok {
				e.addError(pe.Error(), c.path)
				c.set(nil)
				continue
			}
			if c.value == nil {
				c.set(nil)
				continue
			}
			items, ok := c.value.([]any)
			if !ok {
				e.addError(fmt.Sprintf("expected a list, got %T", c.value), c.path)
				c.set(nil)
				continue
			}
			arr := make([]any, len(items))
			c.set(arr)
			for idx, item := range items {
				cb := newBucket(layer.PathIdentity, c.bucket)
				cb.values[boundary] = item
				idx := idx
				slot := arr
				next = append(next, cell{
					value:  item,
					bucket: cb,
					path:   append(append([]any(nil), c.path...), idx),
					set:    func(v any) { slot[idx] = v },
				})
			}
		}
		cells = next
		if layer.Item != layer.Boundary && len(cells) > 0 {
			itemVals, err := e.resolve(layer.Item, cellBuckets(cells))
			if err != nil {
				return err
			}
			for i := range cells {
				cells[i].value = itemVals[i]
			}
		}
	}

	if d.IsLeaf {
		for _, c := range cells {
			if pe, ok := plan.AsError(c.value); ok {
				e.addError(pe.Error(), c.path)
				c.set(nil)
				continue
			}
			c.set(c.value)
		}
		return nil
	}

	var children []*object
	childrenByType := make(map[string][]*object)
	for _, c := range cells {
		if pe, ok := plan.AsError(c.value); ok {
			e.addError(pe.Error(), c.path)
			c.set(nil)
			continue
		}
		if c.value == nil {
			c.set(nil)
			continue
		}
		m := make(map[string]any)
		c.set(m)
		child := &object{bucket: c.bucket, out: m, path: c.path}
		if d.IsPolymorphic {
			tn, ok := typeNameOf(c.value)
			if !ok {
				e.addError(fmt.Sprintf("cannot determine the concrete type of %s value", d.ResultTypeName), c.path)
				c.set(nil)
				continue
			}
			if _, planned := d.TypeChildren[tn]; !planned {
				e.addError(fmt.Sprintf("value of unexpected type %q for %s", tn, d.ResultTypeName), c.path)
				c.set(nil)
				continue
			}
			childrenByType[tn] = append(childrenByType[tn], child)
		} else {
			children = append(children, child)
		}
	}

	// Prefetch-eligible child plans fold into this field's wave; their values
	// land in the buckets before the children formally resolve them.
	for _, pf := range d.PrefetchChildren {
		if len(children) == 0 {
			break
		}
		if _, err := e.resolve(pf.PlanID, bucketsOf(children)); err != nil {
			return err
		}
	}

	if d.IsPolymorphic {
		for typeName, typeChildren := range d.TypeChildren {
			group := childrenByType[typeName]
			if len(group) == 0 {
				continue
			}
			for _, cd := range typeChildren {
				if err := e.completeField(cd, group); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, cd := range d.Children {
		if err := e.completeField(cd, children); err != nil {
			return err
		}
	}
	return nil
}

func cellBuckets(cells []cell) []*bucket {
	out := make([]*bucket, len(cells))
	for i := range cells {
		out[i] = cells[i].bucket
	}
	return out
}
