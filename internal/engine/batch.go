package engine

import (
	compiler "github.com/hanpama/plangraph/internal/compiler"
	plan "github.com/hanpama/plangraph/internal/plan"
)

// batch coalesces the pending lookups for one field path identity. Every
// parent object at the level registers a slot; draining executes the field's
// plan across all registered buckets in a single wave and fills the slots.
// A batch drains exactly once.
type batch struct {
	pathIdentity string
	planID       plan.Handle
	streamed     bool
	slots        []*batchSlot
	drained      bool
}

// batchSlot is one parent's pending lookup. Its value is defined once the
// owning batch has drained.
type batchSlot struct {
	bucket *bucket
	value  any
}

// getBatch returns the open batch at the path, or nil when none is pending.
func (e *execution) getBatch(pathIdentity string) *batch {
	return e.batches[pathIdentity]
}

// makeBatch opens a batch for the field's plan. At most one batch per path
// identity is open at a time.
func (e *execution) makeBatch(d *compiler.FieldDigest) *batch {
	b := &batch{pathIdentity: d.PathIdentity, planID: d.PlanID, streamed: d.Streamed}
	e.batches[d.PathIdentity] = b
	return b
}

// add registers one parent's pending lookup and returns its slot.
func (b *batch) add(bkt *bucket) *batchSlot {
	s := &batchSlot{bucket: bkt}
	b.slots = append(b.slots, s)
	return s
}

// drain resolves the batch's plan over every registered bucket and fills the
// slots. Draining twice is an internal error.
func (e *execution) drain(b *batch) error {
	if b.drained {
		return plan.Internalf("batch at %q drained twice", b.pathIdentity)
	}
	b.drained = true
	delete(e.batches, b.pathIdentity)

	buckets := make([]*bucket, len(b.slots))
	for i, s := range b.slots {
		buckets[i] = s.bucket
	}
	var vals []any
	var err error
	if b.streamed {
		vals, err = e.resolveStreamed(b.planID, buckets)
	} else {
		vals, err = e.resolve(b.planID, buckets)
	}
	if err != nil {
		return err
	}
	for i, s := range b.slots {
		s.value = vals[i]
	}
	return nil
}
