package compiler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	plan "github.com/hanpama/plangraph/internal/plan"
)

// finalizeArgumentsSweep locks every plan's dependency list. List transforms
// register their nested item plans from this hook, so the sweep repeats until
// no unfinalized plan remains.
func (op *Operation) finalizeArgumentsSweep() error {
	for {
		progressed := false
		for i := 0; i < op.table.Len(); i++ {
			p := op.table.Get(plan.Handle(i))
			if p == nil || p.ID() != plan.Handle(i) {
				continue
			}
			if plan.BaseOf(p).ArgumentsFinalized() {
				continue
			}
			if err := p.FinalizeArguments(); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

var planInterfaceType = reflect.TypeOf((*plan.Plan)(nil)).Elem()

// validatePlans rejects plan structs that retain direct references to other
// plans. Cross-plan references must go through dependency handles so that
// deduplication and optimization re-point them; a held pointer would silently
// keep executing a discarded plan.
func (op *Operation) validatePlans() error {
	var errs []error
	for _, h := range op.table.Live() {
		p := op.table.Get(h)
		v := reflect.ValueOf(p).Elem()
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.Anonymous {
				continue
			}
			k := f.Type.Kind()
			if k != reflect.Interface && k != reflect.Ptr {
				continue
			}
			if !f.Type.Implements(planInterfaceType) {
				continue
			}
			if v.Field(i).IsNil() {
				continue
			}
			errs = append(errs, plan.Internalf(
				"plan %s retains a direct reference to another plan in field %s; dependencies must go through AddDependency",
				h, f.Name))
		}
	}
	return errors.Join(errs...)
}

// assignGroupIDs walks the selection tree and stamps each plan, and its
// transitive dependencies, with the incremental-delivery scopes of the sites
// that use it. Within one root-to-leaf branch a plan receives groups only at
// its shallowest use; a plan shared across branches accumulates every
// branch's groups.
func (op *Operation) assignGroupIDs() {
	var walk func(n *treeNode, seen map[plan.Handle]bool)
	walk = func(n *treeNode, seen map[plan.Handle]bool) {
		var added []plan.Handle
		h := op.canonical(n.planID)
		if h != plan.InvalidHandle && !seen[h] {
			op.stampGroups(h, n.groupIDs, seen, &added)
		}
		for _, c := range n.children {
			walk(c, seen)
		}
		for _, a := range added {
			delete(seen, a)
		}
	}
	walk(op.treeRoot, make(map[plan.Handle]bool))
}

func (op *Operation) stampGroups(h plan.Handle, groups []int, seen map[plan.Handle]bool, added *[]plan.Handle) {
	p := op.table.Get(h)
	if p == nil || seen[h] {
		return
	}
	seen[h] = true
	*added = append(*added, h)
	b := plan.BaseOf(p)
	for _, g := range groups {
		b.AddGroupID(g)
	}
	for _, dep := range p.Dependencies() {
		op.stampGroups(op.canonical(dep), groups, seen, added)
	}
}

// treeShake discards every plan not reachable from the liveness seeds: the
// root value plan, every path-indexed plan, per-type plans, side-effect
// plans, and the nested internals of list transforms. Slots re-pointed at a
// plan that itself died are discarded too.
func (op *Operation) treeShake() {
	marked := make(map[plan.Handle]bool)
	var mark func(h plan.Handle)
	mark = func(h plan.Handle) {
		p := op.table.Get(h)
		if p == nil {
			return
		}
		h = p.ID()
		if marked[h] {
			return
		}
		marked[h] = true
		for _, dep := range p.Dependencies() {
			mark(dep)
		}
		if tr, ok := p.(plan.Transformer); ok {
			mark(tr.TransformItemBoundary())
			mark(tr.TransformItemPlan())
		}
	}

	mark(op.valuePlanID)
	if op.subscriptionPlanID != plan.InvalidHandle {
		mark(op.subscriptionPlanID)
	}
	for _, h := range op.planIDByPath {
		mark(h)
	}
	for _, h := range op.itemPlanIDByPath {
		mark(h)
	}
	for _, h := range op.typePlanSeeds {
		mark(h)
	}
	for _, hs := range op.sideEffectPlanIDsByPath {
		for _, h := range hs {
			mark(h)
		}
	}

	for i := 0; i < op.table.Len(); i++ {
		h := plan.Handle(i)
		p := op.table.Get(h)
		if p != nil && !marked[p.ID()] {
			op.table.Discard(h)
		}
	}
}

// deduplicatePlans merges structurally equivalent plans until a fixpoint.
// A pass that keeps finding new merges beyond the configured cap indicates a
// plan kind whose Deduplicate oscillates, which is a compiler bug.
func (op *Operation) deduplicatePlans() error {
	for iter := 0; ; iter++ {
		if iter >= op.maxDedupIterations {
			return plan.Internalf("deduplication did not converge after %d iterations", op.maxDedupIterations)
		}
		changed, err := op.deduplicateOnce()
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
}

func (op *Operation) deduplicateOnce() (bool, error) {
	type peerKey struct {
		kind       string
		parentPath string
		deps       string
	}
	groups := make(map[peerKey][]plan.Handle)
	var order []peerKey
	for _, h := range op.table.Live() {
		p := op.table.Get(h)
		// Side effects never merge: two identical mutations are two mutations.
		if p.HasSideEffects() {
			continue
		}
		var sb strings.Builder
		for _, d := range p.Dependencies() {
			fmt.Fprintf(&sb, "%d,", int(op.canonical(d)))
		}
		k := peerKey{kind: p.Kind(), parentPath: p.ParentPathIdentity(), deps: sb.String()}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], h)
	}

	changed := false
	for _, k := range order {
		handles := groups[k]
		if len(handles) < 2 {
			continue
		}
		for _, h := range handles {
			p := op.table.Get(h)
			if p == nil || p.ID() != h {
				continue
			}
			peers := make([]plan.Plan, 0, len(handles)-1)
			for _, other := range handles {
				if other == h {
					continue
				}
				q := op.table.Get(other)
				if q == nil || q.ID() == h {
					continue
				}
				peers = append(peers, q)
			}
			if len(peers) == 0 {
				continue
			}
			winner := p.Deduplicate(peers)
			if winner == p {
				continue
			}
			legal := false
			for _, q := range peers {
				if q == winner {
					legal = true
					break
				}
			}
			if !legal {
				return false, plan.Internalf("plan %s deduplicated into a plan outside its peer set", h)
			}
			wb := plan.BaseOf(winner)
			for _, g := range p.GroupIDs() {
				wb.AddGroupID(g)
			}
			if err := op.table.Replace(h, winner); err != nil {
				return false, err
			}
			changed = true
		}
	}
	return changed, nil
}

// optimizePlans runs each plan's optimize hook exactly once, dependents
// before dependencies so a simplified dependent can release its dependency
// for the subsequent shake.
func (op *Operation) optimizePlans() error {
	live := op.table.Live()
	for i := len(live) - 1; i >= 0; i-- {
		h := live[i]
		p := op.table.Get(h)
		if p == nil || p.ID() != h {
			continue
		}
		b := plan.BaseOf(p)
		if b.Optimized() {
			continue
		}
		replacement := p.Optimize(p.StreamOptions())
		if err := b.MarkOptimized(); err != nil {
			return err
		}
		if replacement == nil || replacement == p {
			continue
		}
		for _, g := range p.GroupIDs() {
			plan.BaseOf(replacement).AddGroupID(g)
		}
		if err := op.table.Replace(h, replacement); err != nil {
			return err
		}
		// A replacement can orphan the plan's dependencies; discard them now
		// so their Optimize hooks never run.
		op.treeShake()
	}
	return nil
}

// assignCommonAncestors computes each plan's bucket scope: the deepest path
// that is a segment-wise prefix of every site the plan's value is consumed
// at. Dependents are processed first so each dependency sees the scopes of
// everything built on top of it.
func (op *Operation) assignCommonAncestors() error {
	uses := make(map[plan.Handle][]string)
	addUse := func(h plan.Handle, path string) {
		c := op.canonical(h)
		if c != plan.InvalidHandle {
			uses[c] = append(uses[c], path)
		}
	}
	for path, h := range op.planIDByPath {
		addUse(h, path)
	}
	for path, h := range op.itemPlanIDByPath {
		addUse(h, path)
	}
	for path, hs := range op.sideEffectPlanIDsByPath {
		for _, h := range hs {
			addUse(h, path)
		}
	}

	live := op.table.Live()
	for i := len(live) - 1; i >= 0; i-- {
		h := live[i]
		p := op.table.Get(h)
		paths := uses[h]
		if len(paths) == 0 {
			paths = []string{p.ParentPathIdentity()}
		}
		ca := commonAncestorPath(paths)
		if err := plan.BaseOf(p).AssignCommonAncestor(ca); err != nil {
			return err
		}
		for _, dep := range p.Dependencies() {
			addUse(dep, ca)
		}
		if tr, ok := p.(plan.Transformer); ok {
			// Transform internals evaluate inside the transform's own scope.
			addUse(tr.TransformItemBoundary(), itemPathIdentity(ca))
			addUse(tr.TransformItemPlan(), itemPathIdentity(ca))
		}
	}
	return nil
}

// finalizePlans freezes every surviving plan, dependents first.
func (op *Operation) finalizePlans() error {
	live := op.table.Live()
	for i := len(live) - 1; i >= 0; i-- {
		if err := op.table.Get(live[i]).Finalize(); err != nil {
			return err
		}
	}
	return nil
}

// computePrefetches marks child digests whose plans can execute alongside
// their parent's batch: the child's dependency closure down to the parent's
// item plan is all synchronous, side-effect free, and scoped to the same
// incremental-delivery groups. Prefetching is a latency optimization only;
// results are identical with it disabled.
func (op *Operation) computePrefetches() {
	visited := make(map[string]bool)
	var walk func(d *FieldDigest)
	walk = func(d *FieldDigest) {
		if visited[d.PathIdentity] {
			return
		}
		visited[d.PathIdentity] = true
		parentItem := op.canonical(d.ItemPlanID)
		parentPlan := op.table.Get(parentItem)
		for _, child := range d.Children {
			walk(child)
			if d.IsPolymorphic || child.Streamed || child.Unplanned {
				continue
			}
			if op.prefetchable(op.canonical(child.PlanID), parentItem, parentPlan) {
				d.PrefetchChildren = append(d.PrefetchChildren, child)
			}
		}
		for _, children := range d.TypeChildren {
			for _, child := range children {
				walk(child)
			}
		}
	}
	for _, d := range op.rootDigests {
		walk(d)
	}
}

func (op *Operation) prefetchable(h, stop plan.Handle, parentPlan plan.Plan) bool {
	if h == plan.InvalidHandle || parentPlan == nil {
		return false
	}
	if h == stop {
		return true
	}
	p := op.table.Get(h)
	if p == nil {
		return false
	}
	if !p.Sync() || p.HasSideEffects() {
		return false
	}
	if _, ok := p.(*plan.Value); ok {
		return false
	}
	if !plan.BaseOf(p).SameGroups(plan.BaseOf(parentPlan)) {
		return false
	}
	for _, dep := range p.Dependencies() {
		if !op.prefetchable(op.canonical(dep), stop, parentPlan) {
			return false
		}
	}
	return true
}
