package engine

import (
	"strings"

	plan "github.com/hanpama/plangraph/internal/plan"
)

// bucket is one memoization scope of an execution: the root, one list
// element, or one incremental boundary. A plan executes at most once per
// bucket at its common-ancestor path; every position below the bucket shares
// the memoized value through the parent chain.
type bucket struct {
	path   string
	parent *bucket
	values map[plan.Handle]any
}

func newBucket(path string, parent *bucket) *bucket {
	return &bucket{path: path, parent: parent, values: make(map[plan.Handle]any)}
}

// ownerFor finds the bucket a plan's value lives in: the deepest bucket on
// the chain whose path still prefixes the plan's common-ancestor path.
func (b *bucket) ownerFor(p plan.Plan) *bucket {
	ca := p.CommonAncestorPathIdentity()
	for cur := b; cur != nil; cur = cur.parent {
		if pathPrefixes(cur.path, ca) {
			return cur
		}
	}
	return b
}

// pathPrefixes reports whether prefix is a segment-wise prefix of p.
func pathPrefixes(prefix, p string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	rest := p[len(prefix):]
	return rest == "" || rest[0] == '>' || rest[0] == '['
}

// object is one response position being filled in: the bucket its plans
// resolve against, the output map its fields are written into, and the
// response path for error reporting.
type object struct {
	bucket *bucket
	out    map[string]any
	path   []any
}

func bucketsOf(objs []*object) []*bucket {
	out := make([]*bucket, len(objs))
	for i, o := range objs {
		out[i] = o.bucket
	}
	return out
}
