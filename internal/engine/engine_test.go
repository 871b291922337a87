package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	plan "github.com/hanpama/plangraph/internal/plan"
	schema "github.com/hanpama/plangraph/internal/schema"
)

func usersSchema(usersRec *fetchRecorder, extraUserFields ...*schema.Field) *schema.Schema {
	userFields := schema.NewFieldMap(
		accessPlanField("id", "id"),
		accessPlanField("name", "name"),
	)
	userFields = append(userFields, extraUserFields...)
	return &schema.Schema{
		QueryType: "Query",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name:       "users",
					Type:       schema.ListType(schema.NamedType("User")),
					Streamable: true,
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						return plan.NewFetch(ctx, nil, usersRec.fetch)
					},
				},
			)},
			"User":   {Name: "User", Kind: schema.TypeKindObject, ExpectsPlan: true, Fields: userFields},
			"String": scalarType("String"),
			"Int":    scalarType("Int"),
		},
	}
}

func usersOf(ids ...string) func(key any) (any, error) {
	return func(key any) (any, error) {
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = userValue(id)
		}
		return out, nil
	}
}

func TestQueryListCompletion(t *testing.T) {
	usersRec := newFetchRecorder(usersOf("1", "2"))
	op := mustCompile(t, usersSchema(usersRec), `{ users { id name } }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{
		"users": []any{
			map[string]any{"id": "1", "name": "user-1"},
			map[string]any{"id": "2", "name": "user-2"},
		},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	// The dependency-less root fetch executes once, keyed by nil.
	if diff := cmp.Diff([][]any{{nil}}, usersRec.Batches()); diff != "" {
		t.Fatalf("fetch batches mismatch (-want +got):\n%s", diff)
	}
}

func TestChildFetchBatchesAcrossListElements(t *testing.T) {
	usersRec := newFetchRecorder(usersOf("1", "2", "3"))
	scoreRec := newFetchRecorder(func(key any) (any, error) {
		return "score-" + key.(string), nil
	})
	sch := usersSchema(usersRec, &schema.Field{
		Name: "score",
		Type: schema.NamedType("String"),
		Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
			key, err := plan.NewAccess(ctx, parent, "id")
			if err != nil {
				return nil, err
			}
			return plan.NewFetch(ctx, key, scoreRec.fetch)
		},
	})
	op := mustCompile(t, sch, `{ users { score } }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{
		"users": []any{
			map[string]any{"score": "score-1"},
			map[string]any{"score": "score-2"},
			map[string]any{"score": "score-3"},
		},
	}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	// One fetch call serves every element of the list.
	if diff := cmp.Diff([][]any{{"1", "2", "3"}}, scoreRec.Batches()); diff != "" {
		t.Fatalf("score batches mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchResolvedOncePerBucket(t *testing.T) {
	rec := newFetchRecorder(userByID)
	sch := &schema.Schema{
		QueryType: "Query",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name:      "user",
					Type:      schema.NamedType("User"),
					Arguments: []*schema.InputValue{{Name: "id", Type: schema.NamedType("String")}},
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						key, err := plan.NewConstant(ctx, args.Get("id"))
						if err != nil {
							return nil, err
						}
						return plan.NewFetch(ctx, key, rec.fetch)
					},
				},
			)},
			"User": {Name: "User", Kind: schema.TypeKindObject, ExpectsPlan: true, Fields: schema.NewFieldMap(
				accessPlanField("id", "id"),
				accessPlanField("name", "name"),
			)},
			"String": scalarType("String"),
		},
	}
	op := mustCompile(t, sch, `{ user(id: "7") { id name } }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{"user": map[string]any{"id": "7", "name": "user-7"}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	// Both child fields read through the same memoized fetch value.
	if diff := cmp.Diff([][]any{{"7"}}, rec.Batches()); diff != "" {
		t.Fatalf("fetch batches mismatch (-want +got):\n%s", diff)
	}
}

func TestSiblingErrorIsolation(t *testing.T) {
	goodRec := newFetchRecorder(func(key any) (any, error) { return "ok", nil })
	sch := &schema.Schema{
		QueryType: "Query",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name: "good",
					Type: schema.NamedType("String"),
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						return plan.NewFetch(ctx, nil, goodRec.fetch)
					},
				},
				&schema.Field{
					Name: "bad",
					Type: schema.NamedType("String"),
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						return plan.NewFetch(ctx, nil, func(ctx context.Context, keys []any) ([]any, error) {
							return nil, fmt.Errorf("backend unavailable")
						})
					},
				},
			)},
			"String": scalarType("String"),
		},
	}
	op := mustCompile(t, sch, `{ good bad }`, nil)

	res := Execute(context.Background(), op, nil)

	wantData := map[string]any{"good": "ok", "bad": nil}
	if diff := cmp.Diff(wantData, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	wantErrs := []ExecutionError{{Message: "backend unavailable", Path: []any{"bad"}}}
	if diff := cmp.Diff(wantErrs, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchSkipsErroredParents(t *testing.T) {
	usersRec := newFetchRecorder(usersOf("1", "2", "3"))
	scoreRec := newFetchRecorder(func(key any) (any, error) {
		return "score-" + key.(string), nil
	})
	sch := usersSchema(usersRec, &schema.Field{
		Name: "score",
		Type: schema.NamedType("String"),
		Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
			id, err := plan.NewAccess(ctx, parent, "id")
			if err != nil {
				return nil, err
			}
			key, err := plan.NewLambda(ctx, func(_ context.Context, in []any) (any, error) {
				if in[0] == "2" {
					return nil, fmt.Errorf("no key for user 2")
				}
				return in[0], nil
			}, id)
			if err != nil {
				return nil, err
			}
			return plan.NewFetch(ctx, key, scoreRec.fetch)
		},
	})
	op := mustCompile(t, sch, `{ users { id score } }`, nil)

	res := Execute(context.Background(), op, nil)

	wantData := map[string]any{
		"users": []any{
			map[string]any{"id": "1", "score": "score-1"},
			map[string]any{"id": "2", "score": nil},
			map[string]any{"id": "3", "score": "score-3"},
		},
	}
	if diff := cmp.Diff(wantData, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	wantErrs := []ExecutionError{{Message: "no key for user 2", Path: []any{"users", 1, "score"}}}
	if diff := cmp.Diff(wantErrs, res.Errors); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
	// The backend never sees the failed parent's row; the surviving keys
	// still share one batch.
	if diff := cmp.Diff([][]any{{"1", "3"}}, scoreRec.Batches()); diff != "" {
		t.Fatalf("score batches mismatch (-want +got):\n%s", diff)
	}
}

func TestBatchDrainsOnce(t *testing.T) {
	rec := newFetchRecorder(usersOf("1", "2"))
	op := mustCompile(t, usersSchema(rec), `{ users { id } }`, nil)
	e := newExecution(context.Background(), op, nil)

	d := op.RootDigests()[0]
	b := e.makeBatch(d)
	s := b.add(e.rootBucket)
	require.NoError(t, e.drain(b))
	require.NotNil(t, s.value)
	require.Nil(t, e.getBatch(d.PathIdentity))

	err := e.drain(b)
	require.ErrorIs(t, err, plan.ErrInternal)

	// A later batch at the same path reuses the memoized bucket value.
	b2 := e.makeBatch(d)
	b2.add(e.rootBucket)
	require.NoError(t, e.drain(b2))
	require.Len(t, rec.Batches(), 1)
}

func TestMutationSideEffectOrder(t *testing.T) {
	var log []string
	effect := func(tag string) plan.SideEffectFunc {
		return func(ctx context.Context, in []any) (any, error) {
			log = append(log, tag)
			return tag, nil
		}
	}
	sch := &schema.Schema{
		QueryType:    "Query",
		MutationType: "Mutation",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject},
			"Mutation": {Name: "Mutation", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name: "run",
					Type: schema.NamedType("String"),
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						for _, tag := range []string{"A", "B", "C"} {
							if _, err := plan.NewSideEffect(ctx, effect(tag)); err != nil {
								return nil, err
							}
						}
						return plan.NewConstant(ctx, "done")
					},
				},
			)},
			"String": scalarType("String"),
		},
	}
	op := mustCompile(t, sch, `mutation { run }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	if diff := cmp.Diff(map[string]any{"run": "done"}, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	// Side effects run in declaration order, each before the next starts.
	if diff := cmp.Diff([]string{"A", "B", "C"}, log); diff != "" {
		t.Fatalf("side-effect order mismatch (-want +got):\n%s", diff)
	}
}

func TestNestedListCompletion(t *testing.T) {
	sch := &schema.Schema{
		QueryType: "Query",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name: "matrix",
					Type: schema.ListType(schema.ListType(schema.NamedType("Int"))),
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						return plan.NewConstant(ctx, []any{[]any{1, 2}, nil, []any{3}})
					},
				},
			)},
			"Int": scalarType("Int"),
		},
	}
	op := mustCompile(t, sch, `{ matrix }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{"matrix": []any{[]any{1, 2}, nil, []any{3}}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestListTransformReduction(t *testing.T) {
	listRec := newFetchRecorder(func(key any) (any, error) {
		return []any{1, 2, 3}, nil
	})
	sch := &schema.Schema{
		QueryType: "Query",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name: "total",
					Type: schema.NamedType("Int"),
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						list, err := plan.NewFetch(ctx, nil, listRec.fetch)
						if err != nil {
							return nil, err
						}
						return plan.NewListTransform(ctx, list, &plan.TransformSpec{
							Initial: func() any { return 0 },
							Reduce:  func(memo, value any, index int) any { return memo.(int) + value.(int) },
						}, func(ctx *plan.Context, item *plan.ListItem) (plan.Plan, error) {
							return plan.NewLambda(ctx, func(_ context.Context, in []any) (any, error) {
								return in[0].(int) * 2, nil
							}, item)
						})
					},
				},
			)},
			"Int": scalarType("Int"),
		},
	}
	op := mustCompile(t, sch, `{ total }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	if diff := cmp.Diff(map[string]any{"total": 12}, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]any{{nil}}, listRec.Batches()); diff != "" {
		t.Fatalf("list batches mismatch (-want +got):\n%s", diff)
	}
}

func TestPrefetchAvoidsExtraBatches(t *testing.T) {
	usersRec := newFetchRecorder(usersOf("1", "2", "3", "4", "5"))
	op := mustCompile(t, usersSchema(usersRec), `{ users { name } }`, nil)

	d := op.RootDigests()[0]
	require.NotEmpty(t, d.PrefetchChildren, "a synchronous same-group child should fold into the parent wave")

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{"users": []any{
		map[string]any{"name": "user-1"},
		map[string]any{"name": "user-2"},
		map[string]any{"name": "user-3"},
		map[string]any{"name": "user-4"},
		map[string]any{"name": "user-5"},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	// Prefetching must not add round trips: the root fetch stays the only one.
	if diff := cmp.Diff([][]any{{nil}}, usersRec.Batches()); diff != "" {
		t.Fatalf("fetch batches mismatch (-want +got):\n%s", diff)
	}
}

func TestStreamedFieldMaterializes(t *testing.T) {
	usersRec := newFetchRecorder(usersOf("1", "2", "3"))
	op := mustCompile(t, usersSchema(usersRec), `{ users @stream(initialCount: 1) { id } }`, nil)

	require.True(t, op.RootDigests()[0].Streamed)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{"users": []any{
		map[string]any{"id": "1"},
		map[string]any{"id": "2"},
		map[string]any{"id": "3"},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]any{{nil}}, usersRec.Batches()); diff != "" {
		t.Fatalf("fetch batches mismatch (-want +got):\n%s", diff)
	}
}

func nodeSchema(nodeValue any) *schema.Schema {
	return &schema.Schema{
		QueryType: "Query",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name: "node",
					Type: schema.NamedType("Node"),
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						return plan.NewFetch(ctx, nil, func(ctx context.Context, keys []any) ([]any, error) {
							return []any{nodeValue}, nil
						})
					},
				},
			)},
			"Node": {Name: "Node", Kind: schema.TypeKindInterface, PossibleTypes: []string{"User", "Team"}},
			"User": {Name: "User", Kind: schema.TypeKindObject, ExpectsPlan: true, Interfaces: []string{"Node"}, Fields: schema.NewFieldMap(
				accessPlanField("id", "id"),
				accessPlanField("name", "name"),
			)},
			"Team": {Name: "Team", Kind: schema.TypeKindObject, ExpectsPlan: true, Interfaces: []string{"Node"}, Fields: schema.NewFieldMap(
				accessPlanField("id", "id"),
				accessPlanField("title", "title"),
			)},
			"String": scalarType("String"),
		},
	}
}

func TestPolymorphicCompletion(t *testing.T) {
	sch := nodeSchema(map[string]any{"__typename": "User", "id": "1", "name": "user-1"})
	op := mustCompile(t, sch, `{ node { id ... on User { name } ... on Team { title } } }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Empty(t, res.Errors)

	want := map[string]any{"node": map[string]any{"id": "1", "name": "user-1"}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestPolymorphicUnknownType(t *testing.T) {
	sch := nodeSchema(map[string]any{"__typename": "Ghost", "id": "1"})
	op := mustCompile(t, sch, `{ node { id ... on User { name } } }`, nil)

	res := Execute(context.Background(), op, nil)

	if diff := cmp.Diff(map[string]any{"node": nil}, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, `"Ghost"`)
	if diff := cmp.Diff([]any{"node"}, res.Errors[0].Path); diff != "" {
		t.Fatalf("error path mismatch (-want +got):\n%s", diff)
	}
}

func TestUnplannedFieldResolver(t *testing.T) {
	sch := &schema.Schema{
		QueryType: "Query",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{Name: "raw", Type: schema.NamedType("Raw")},
			)},
			"Raw": {Name: "Raw", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name: "greeting",
					Type: schema.NamedType("String"),
					Resolver: func(ctx context.Context, source any, args map[string]any) (any, error) {
						return source.(map[string]any)["tag"].(string) + "!", nil
					},
				},
			)},
			"String": scalarType("String"),
		},
	}
	op := mustCompile(t, sch, `{ raw { greeting } }`, nil)

	res := Execute(context.Background(), op, map[string]any{"tag": "hello"})
	require.Empty(t, res.Errors)

	want := map[string]any{"raw": map[string]any{"greeting": "hello!"}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func subscriptionSchema(events func(ctx context.Context, key any) (plan.Stream, error)) *schema.Schema {
	return &schema.Schema{
		QueryType:        "Query",
		SubscriptionType: "Subscription",
		Types: map[string]*schema.Type{
			"Query": {Name: "Query", Kind: schema.TypeKindObject},
			"Subscription": {Name: "Subscription", Kind: schema.TypeKindObject, Fields: schema.NewFieldMap(
				&schema.Field{
					Name: "counter",
					Type: schema.NamedType("Int"),
					Plan: func(ctx *plan.Context, parent plan.Plan, args *plan.TrackedArguments) (plan.Plan, error) {
						f, err := plan.NewFetch(ctx, nil, func(ctx context.Context, keys []any) ([]any, error) {
							return nil, fmt.Errorf("subscription source has no batch form")
						})
						if err != nil {
							return nil, err
						}
						f.SetStreamFunc(events)
						return f, nil
					},
				},
			)},
			"Int": scalarType("Int"),
		},
	}
}

func TestSubscriptionDeliversEachEvent(t *testing.T) {
	sch := subscriptionSchema(func(ctx context.Context, key any) (plan.Stream, error) {
		return plan.StreamOf([]any{1, 2, 3}), nil
	})
	op := mustCompile(t, sch, `subscription { counter }`, nil)

	rs, err := Subscribe(context.Background(), op, nil)
	require.NoError(t, err)
	defer rs.Close()

	for want := 1; want <= 3; want++ {
		res, ok, err := rs.Next(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, res.Errors)
		if diff := cmp.Diff(map[string]any{"counter": want}, res.Data); diff != "" {
			t.Fatalf("event %d mismatch (-want +got):\n%s", want, diff)
		}
	}
	_, ok, err := rs.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

// chanStream adapts a channel into an event source so tests control delivery.
type chanStream struct {
	ch        chan any
	closeOnce sync.Once
}

func (s *chanStream) Next(ctx context.Context) (any, bool, error) {
	select {
	case v, ok := <-s.ch:
		if !ok {
			return nil, false, nil
		}
		return v, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	events := make(chan any, 1)
	events <- 41
	sch := subscriptionSchema(func(ctx context.Context, key any) (plan.Stream, error) {
		return &chanStream{ch: events}, nil
	})
	op := mustCompile(t, sch, `subscription { counter }`, nil)

	rs, err := Subscribe(context.Background(), op, nil)
	require.NoError(t, err)

	res, ok, err := rs.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(map[string]any{"counter": 41}, res.Data); diff != "" {
		t.Fatalf("event mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, rs.Close())
	_, ok, err = rs.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecuteRejectsSubscriptionOperation(t *testing.T) {
	sch := subscriptionSchema(func(ctx context.Context, key any) (plan.Stream, error) {
		return plan.StreamOf(nil), nil
	})
	op := mustCompile(t, sch, `subscription { counter }`, nil)

	res := Execute(context.Background(), op, nil)
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0].Message, "Subscribe")
}
