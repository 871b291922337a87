package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	compiler "github.com/hanpama/plangraph/internal/compiler"
	language "github.com/hanpama/plangraph/internal/language"
	plan "github.com/hanpama/plangraph/internal/plan"
	schema "github.com/hanpama/plangraph/internal/schema"
)

// fetchRecorder wraps a FetchFunc and records every batch of keys it is
// asked to resolve, so tests can assert batching and at-most-once behavior
// against the exact call log.
type fetchRecorder struct {
	mu      sync.Mutex
	batches [][]any
	resolve func(key any) (any, error)
}

func newFetchRecorder(resolve func(key any) (any, error)) *fetchRecorder {
	return &fetchRecorder{resolve: resolve}
}

func (r *fetchRecorder) fetch(ctx context.Context, keys []any) ([]any, error) {
	r.mu.Lock()
	r.batches = append(r.batches, append([]any(nil), keys...))
	r.mu.Unlock()
	out := make([]any, len(keys))
	for i, k := range keys {
		v, err := r.resolve(k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Batches returns a copy of the recorded key batches in call order.
func (r *fetchRecorder) Batches() [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]any, len(r.batches))
	copy(out, r.batches)
	return out
}

func accessPlanField(name, key string) *schema.Field {
	return &schema.Field{
		Name: name,
		Type: schema.NamedType("String"),
		Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
			return plan.NewAccess(ctx, parent, key)
		},
	}
}

func mustCompile(t *testing.T, sch *schema.Schema, query string, vars map[string]any, opts ...compiler.Option) *compiler.Operation {
	t.Helper()
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	op, err := compiler.Compile(sch, doc, "", vars, opts...)
	require.NoError(t, err)
	return op
}

// user fixture values shared across tests.
func userValue(id string) map[string]any {
	return map[string]any{"id": id, "name": "user-" + id}
}

func userByID(key any) (any, error) {
	return userValue(fmt.Sprintf("%v", key)), nil
}

func scalarType(name string) *schema.Type {
	return &schema.Type{Name: name, Kind: schema.TypeKindScalar}
}
