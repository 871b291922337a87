package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	eventbus "github.com/hanpama/plangraph/internal/eventbus"
	events "github.com/hanpama/plangraph/internal/events"
	plan "github.com/hanpama/plangraph/internal/plan"
)

// resolve returns one value per requested bucket for the plan behind h,
// executing it at most once per owning bucket. All owning buckets still
// missing a value are folded into a single Execute call, so a fetch serving
// every element of a list incurs one round trip.
func (e *execution) resolve(h plan.Handle, buckets []*bucket) ([]any, error) {
	p := e.table.Get(h)
	if p == nil {
		return nil, plan.Internalf("no live plan behind %s", h)
	}
	h = p.ID()

	owners := make([]*bucket, len(buckets))
	var missing []*bucket
	queued := make(map[*bucket]bool)
	for i, b := range buckets {
		owners[i] = b.ownerFor(p)
		if _, ok := owners[i].values[h]; !ok && !queued[owners[i]] {
			queued[owners[i]] = true
			missing = append(missing, owners[i])
		}
	}
	if len(missing) > 0 {
		if err := e.executeBatch(p, missing); err != nil {
			return nil, err
		}
	}

	out := make([]any, len(buckets))
	for i := range buckets {
		out[i] = owners[i].values[h]
	}
	return out, nil
}

func (e *execution) executeBatch(p plan.Plan, buckets []*bucket) error {
	h := p.ID()

	if _, ok := p.(*plan.Value); ok {
		// Value plans are seeded by the caller, never executed.
		return plan.Internalf("%s: value plan was not seeded into any bucket", h)
	}
	if tr, ok := p.(plan.Transformer); ok {
		for _, b := range buckets {
			v, err := e.evaluateTransform(tr, b)
			if err != nil {
				return err
			}
			b.values[h] = v
		}
		return nil
	}

	rows, err := e.dependencyRows(p, buckets)
	if err != nil {
		return err
	}

	start := time.Now()
	eventbus.Publish(e.ctx, events.BatchStart{
		PathIdentity: p.ParentPathIdentity(),
		PlanKind:     p.Kind(),
		Size:         len(buckets),
	})
	out, execErr := p.Execute(e.ctx, rows, e.metaFor(h))
	eventbus.Publish(e.ctx, events.BatchFinish{
		PathIdentity: p.ParentPathIdentity(),
		PlanKind:     p.Kind(),
		Size:         len(buckets),
		Duration:     time.Since(start),
		Err:          execErr,
	})

	if execErr != nil {
		if errors.Is(execErr, plan.ErrInternal) {
			return execErr
		}
		// Whole-batch failure becomes a per-bucket error value so sibling
		// fields keep executing.
		pe := plan.WrapError(execErr)
		for _, b := range buckets {
			b.values[h] = pe
		}
		return nil
	}
	if len(out) != len(buckets) {
		return plan.Internalf("%s: execute returned %d values for %d rows", h, len(out), len(buckets))
	}
	for i, b := range buckets {
		b.values[h] = out[i]
	}
	return nil
}

// dependencyRows resolves every dependency over the given buckets and
// transposes the results into per-bucket rows.
func (e *execution) dependencyRows(p plan.Plan, buckets []*bucket) ([]plan.Row, error) {
	deps := p.Dependencies()
	depVals := make([][]any, len(deps))
	for j, dep := range deps {
		vals, err := e.resolve(dep, buckets)
		if err != nil {
			return nil, err
		}
		depVals[j] = vals
	}
	rows := make([]plan.Row, len(buckets))
	for i := range buckets {
		row := make(plan.Row, len(deps))
		for j := range deps {
			row[j] = depVals[j][i]
		}
		rows[i] = row
	}
	return rows, nil
}

// evaluateTransform runs the reducer protocol for one bucket: branch a child
// bucket per list element, resolve the per-element plan across all of them in
// one batch, then fold.
func (e *execution) evaluateTransform(tr plan.Transformer, b *bucket) (any, error) {
	listDep := tr.Dependencies()[tr.TransformListDependency()]
	lv, err := e.resolve(listDep, []*bucket{b})
	if err != nil {
		return nil, err
	}
	v := lv[0]
	if pe, ok := plan.AsError(v); ok {
		return pe, nil
	}
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return plan.WrapError(fmt.Errorf("list transform input is %T, not a list", v)), nil
	}

	vals := items
	if tr.TransformItemPlan() != plan.InvalidHandle {
		boundaryPlan := e.table.Get(tr.TransformItemBoundary())
		if boundaryPlan == nil {
			return nil, plan.Internalf("%s: transform item boundary is gone", tr.ID())
		}
		boundary := boundaryPlan.ID()
		itemPath := boundaryPlan.CommonAncestorPathIdentity()
		elemBuckets := make([]*bucket, len(items))
		for i, item := range items {
			cb := newBucket(itemPath, b)
			cb.values[boundary] = item
			elemBuckets[i] = cb
		}
		vals, err = e.resolve(tr.TransformItemPlan(), elemBuckets)
		if err != nil {
			return nil, err
		}
	}

	spec := tr.TransformSpec()
	memo := spec.Initial()
	for i, val := range vals {
		if pe, ok := plan.AsError(val); ok {
			return pe, nil
		}
		memo = spec.Reduce(memo, val, i)
	}
	if spec.Finish != nil {
		memo = spec.Finish(memo)
	}
	return memo, nil
}

// resolveStreamed drains a streamed field's plan into materialized lists,
// one per bucket, memoized like any other value. Subscription delivery goes
// through Subscribe instead; here @stream only shapes batching.
func (e *execution) resolveStreamed(h plan.Handle, buckets []*bucket) ([]any, error) {
	p := e.table.Get(h)
	if p == nil {
		return nil, plan.Internalf("no live plan behind %s", h)
	}
	h = p.ID()
	sp, ok := p.(plan.Streamable)
	if !ok {
		return e.resolve(h, buckets)
	}

	owners := make([]*bucket, len(buckets))
	var missing []*bucket
	queued := make(map[*bucket]bool)
	for i, b := range buckets {
		owners[i] = b.ownerFor(p)
		if _, ok := owners[i].values[h]; !ok && !queued[owners[i]] {
			queued[owners[i]] = true
			missing = append(missing, owners[i])
		}
	}
	if len(missing) > 0 {
		rows, err := e.dependencyRows(p, missing)
		if err != nil {
			return nil, err
		}
		streams, err := sp.ExecuteStream(e.ctx, rows, e.metaFor(h), p.StreamOptions())
		if err != nil {
			if errors.Is(err, plan.ErrInternal) {
				return nil, err
			}
			pe := plan.WrapError(err)
			for _, b := range missing {
				b.values[h] = pe
			}
		} else {
			if len(streams) != len(missing) {
				return nil, plan.Internalf("%s: stream execute returned %d streams for %d rows", h, len(streams), len(missing))
			}
			for i, b := range missing {
				b.values[h] = drainStream(e.ctx, streams[i])
			}
		}
	}

	out := make([]any, len(buckets))
	for i := range buckets {
		out[i] = owners[i].values[h]
	}
	return out, nil
}

func drainStream(ctx context.Context, s plan.Stream) any {
	defer s.Close()
	var items []any
	for {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return plan.WrapError(err)
		}
		if !ok {
			return items
		}
		items = append(items, v)
	}
}
