package plangraph_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	plangraph "github.com/hanpama/plangraph"
)

func TestCompileAndExecute(t *testing.T) {
	var batches int
	sch := &plangraph.Schema{
		QueryType: "Query",
		Types: map[string]*plangraph.Type{
			"Query": {Name: "Query", Kind: plangraph.TypeKindObject, Fields: plangraph.NewFieldMap(
				&plangraph.Field{
					Name: "users",
					Type: plangraph.ListType(plangraph.NamedType("User")),
					Plan: func(ctx *plangraph.PlanContext, parent plangraph.Plan, args *plangraph.TrackedArguments) (plangraph.Plan, error) {
						return plangraph.NewFetch(ctx, nil, func(ctx context.Context, keys []any) ([]any, error) {
							batches++
							return []any{[]any{
								map[string]any{"id": "1", "name": "ada"},
								map[string]any{"id": "2", "name": "grace"},
							}}, nil
						})
					},
				},
			)},
			"User": {Name: "User", Kind: plangraph.TypeKindObject, ExpectsPlan: true, Fields: plangraph.NewFieldMap(
				&plangraph.Field{
					Name: "name",
					Type: plangraph.NamedType("String"),
					Plan: func(ctx *plangraph.PlanContext, parent plangraph.Plan, args *plangraph.TrackedArguments) (plangraph.Plan, error) {
						return plangraph.NewAccess(ctx, parent, "name")
					},
				},
			)},
			"String": {Name: "String", Kind: plangraph.TypeKindScalar},
		},
	}

	doc, err := plangraph.ParseQuery(`{ users { name } }`)
	require.NoError(t, err)
	op, err := plangraph.Compile(sch, doc, "", nil)
	require.NoError(t, err)

	res := plangraph.Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{"users": []any{
		map[string]any{"name": "ada"},
		map[string]any{"name": "grace"},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 1, batches)
}
