package compiler

import (
	"strings"

	plan "github.com/hanpama/plangraph/internal/plan"
)

// ListLayer is one list boundary in a field's value chain. Boundary is the
// slot each element value is fed into; Item is the plan child fields receive
// as their parent input at this depth (the boundary itself unless the list's
// plan projected a richer per-item plan).
type ListLayer struct {
	PathIdentity string
	Boundary     plan.Handle
	Item         plan.Handle
}

// FieldDigest is the per-response-key record the executor walks. Built bottom
// of the selection set up during planning; immutable after construction.
type FieldDigest struct {
	PathIdentity   string
	ResponseKey    string
	FieldName      string
	TypeName       string // declaring object type
	ResultTypeName string // named result type

	PlanID     plan.Handle
	ItemPlanID plan.Handle // plan child fields receive as input; PlanID when no lists

	Layers    []ListLayer
	ListDepth int

	IsLeaf        bool
	IsPolymorphic bool
	Unplanned     bool
	Streamed      bool

	Children []*FieldDigest

	// TypeChildren holds the per-concrete-type sub-digests of a polymorphic
	// field; Children is their union by response key.
	TypeChildren map[string][]*FieldDigest
	TypePlans    map[string]plan.Handle

	// PrefetchChildren are child digests whose plans can run alongside this
	// field's batch. Computed after finalize; latency-only.
	PrefetchChildren []*FieldDigest
}

// treeNode mirrors one position of the selection tree during compilation. It
// exists only to compute group-id and common-ancestor assignments and is
// discarded once the operation is ready.
type treeNode struct {
	pathIdentity string
	groupIDs     []int
	planID       plan.Handle
	children     []*treeNode
}

func (n *treeNode) addChild(c *treeNode) *treeNode {
	n.children = append(n.children, c)
	return c
}

// Path identities are canonical strings locating a position in the selection
// tree: a ">Type.responseKey" segment per field hop and a "[]" segment per
// list boundary. The root is the empty string.

func fieldPathIdentity(parent, typeName, responseKey string) string {
	return parent + ">" + typeName + "." + responseKey
}

func itemPathIdentity(parent string) string {
	return parent + "[]"
}

// splitPathIdentity breaks a path identity into its segments.
func splitPathIdentity(p string) []string {
	var segs []string
	for len(p) > 0 {
		switch p[0] {
		case '[':
			segs = append(segs, "[]")
			p = p[2:]
		case '>':
			end := len(p)
			for i := 1; i < len(p); i++ {
				if p[i] == '>' || p[i] == '[' {
					end = i
					break
				}
			}
			segs = append(segs, p[:end])
			p = p[end:]
		default:
			// Malformed identities cannot arise from the builders above.
			return append(segs, p)
		}
	}
	return segs
}

func joinPathIdentity(segs []string) string {
	return strings.Join(segs, "")
}

// commonAncestorPath returns the deepest path that is a prefix of every given
// path, truncated at the first segment where two paths diverge.
func commonAncestorPath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	common := splitPathIdentity(paths[0])
	for _, p := range paths[1:] {
		segs := splitPathIdentity(p)
		n := 0
		for n < len(common) && n < len(segs) && common[n] == segs[n] {
			n++
		}
		common = common[:n]
	}
	return joinPathIdentity(common)
}

// isPathPrefix reports whether prefix is a segment-wise prefix of p.
func isPathPrefix(prefix, p string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	rest := p[len(prefix):]
	return rest == "" || rest[0] == '>' || rest[0] == '['
}
