package compiler

import (
	"fmt"
	"io"
	"sort"
	"strings"

	plan "github.com/hanpama/plangraph/internal/plan"
)

// PrintPlans writes a human-readable dump of the live plan graph, in creation
// order, for debugging compiled operations.
func (op *Operation) PrintPlans(w io.Writer) {
	for _, h := range op.table.Live() {
		p := op.table.Get(h)
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s", h, p.Kind())
		if deps := p.Dependencies(); len(deps) > 0 {
			parts := make([]string, len(deps))
			for i, d := range deps {
				parts[i] = op.canonical(d).String()
			}
			fmt.Fprintf(&sb, " deps=[%s]", strings.Join(parts, " "))
		}
		if groups := p.GroupIDs(); len(groups) > 0 {
			fmt.Fprintf(&sb, " groups=%v", groups)
		}
		if ca := p.CommonAncestorPathIdentity(); ca != "" {
			fmt.Fprintf(&sb, " scope=%q", ca)
		}
		if p.HasSideEffects() {
			sb.WriteString(" sideEffect")
		}
		if !p.Sync() {
			sb.WriteString(" async")
		}
		fmt.Fprintf(w, "  %s @ %q\n", sb.String(), p.ParentPathIdentity())
	}
}

// PlansByPath returns the path-to-plan index sorted by path, resolving every
// handle through the live table.
func (op *Operation) PlansByPath() map[string]plan.Handle {
	out := make(map[string]plan.Handle, len(op.planIDByPath))
	for path, h := range op.planIDByPath {
		out[path] = op.canonical(h)
	}
	return out
}

// PathIdentities returns every planned field path in sorted order.
func (op *Operation) PathIdentities() []string {
	paths := make([]string, 0, len(op.planIDByPath))
	for path := range op.planIDByPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// PlanIDAtPath resolves the plan serving a field path identity.
func (op *Operation) PlanIDAtPath(pathIdentity string) plan.Handle {
	h, ok := op.planIDByPath[pathIdentity]
	if !ok {
		return plan.InvalidHandle
	}
	return op.canonical(h)
}

// ItemPlanIDAtPath resolves the per-item plan at a field or list-item path.
func (op *Operation) ItemPlanIDAtPath(pathIdentity string) plan.Handle {
	h, ok := op.itemPlanIDByPath[pathIdentity]
	if !ok {
		return plan.InvalidHandle
	}
	return op.canonical(h)
}
