package plan

import (
	"context"
	"fmt"
	"reflect"
)

// Constant yields the same value for every row. Synchronous.
type Constant struct {
	Base
	value any
}

func NewConstant(ctx *Context, value any) (*Constant, error) {
	p := &Constant{value: value}
	if err := ctx.register(p, true); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Constant) Kind() string { return "constant" }

func (p *Constant) Deduplicate(peers []Plan) Plan {
	for _, peer := range peers {
		if c, ok := peer.(*Constant); ok && reflect.DeepEqual(c.value, p.value) {
			return peer
		}
	}
	return p
}

func (p *Constant) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	out := make([]any, len(rows))
	for i := range rows {
		out[i] = p.value
	}
	return out, nil
}

// Access projects a chain of keys (map keys and slice indexes) out of its
// single dependency's value. Synchronous.
type Access struct {
	Base
	keys   []any
	getter func(any) any
}

func NewAccess(ctx *Context, parent Plan, keys ...any) (*Access, error) {
	p := &Access{keys: keys}
	if err := ctx.register(p, true); err != nil {
		return nil, err
	}
	if _, err := p.AddDependency(parent); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Access) Kind() string { return "access" }

func (p *Access) Deduplicate(peers []Plan) Plan {
	for _, peer := range peers {
		if a, ok := peer.(*Access); ok && reflect.DeepEqual(a.keys, p.keys) {
			return peer
		}
	}
	return p
}

// Finalize compiles the key chain into a getter so Execute does no per-row
// key interpretation.
func (p *Access) Finalize() error {
	keys := p.keys
	p.getter = func(v any) any {
		for _, key := range keys {
			switch k := key.(type) {
			case string:
				m, ok := v.(map[string]any)
				if !ok {
					return nil
				}
				v = m[k]
			case int:
				s, ok := v.([]any)
				if !ok || k < 0 || k >= len(s) {
					return nil
				}
				v = s[k]
			default:
				return nil
			}
			if v == nil {
				return nil
			}
		}
		return v
	}
	return p.Base.Finalize()
}

func (p *Access) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	out := make([]any, len(rows))
	for i, row := range rows {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		if pe, ok := AsError(row[0]); ok {
			out[i] = pe
			continue
		}
		out[i] = p.getter(row[0])
	}
	return out, nil
}

// LambdaFunc derives one row's value from its dependency values.
type LambdaFunc func(ctx context.Context, in []any) (any, error)

// Lambda applies a function per row. Synchronous; use Fetch for work that
// incurs I/O.
type Lambda struct {
	Base
	fn LambdaFunc
}

func NewLambda(ctx *Context, fn LambdaFunc, deps ...Plan) (*Lambda, error) {
	p := &Lambda{fn: fn}
	if err := ctx.register(p, true); err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if _, err := p.AddDependency(dep); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Lambda) Kind() string { return "lambda" }

func (p *Lambda) Deduplicate(peers []Plan) Plan {
	fp := reflect.ValueOf(p.fn).Pointer()
	for _, peer := range peers {
		if l, ok := peer.(*Lambda); ok && reflect.ValueOf(l.fn).Pointer() == fp {
			return peer
		}
	}
	return p
}

func (p *Lambda) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	out := make([]any, len(rows))
	for i, row := range rows {
		if pe, ok := rowError(row); ok {
			out[i] = pe
			continue
		}
		v, err := p.fn(ctx, row)
		if err != nil {
			out[i] = WrapError(err)
			continue
		}
		out[i] = v
	}
	return out, nil
}

// FetchFunc resolves one batch of keys against a backend. keys[i] is the
// value of the plan's first dependency for row i (nil when the plan has no
// dependencies). It must return one value per key.
type FetchFunc func(ctx context.Context, keys []any) ([]any, error)

// StreamFunc opens a push-style stream for one key.
type StreamFunc func(ctx context.Context, key any) (Stream, error)

// Fetch is the batched, asynchronous data-source plan. All rows of a batch
// are folded into a single FetchFunc call.
type Fetch struct {
	Base
	fn       FetchFunc
	streamFn StreamFunc
}

func NewFetch(ctx *Context, parent Plan, fn FetchFunc) (*Fetch, error) {
	p := &Fetch{fn: fn}
	if err := ctx.register(p, false); err != nil {
		return nil, err
	}
	if parent != nil {
		if _, err := p.AddDependency(parent); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetStreamFunc attaches a native streaming form for list results.
func (p *Fetch) SetStreamFunc(fn StreamFunc) { p.streamFn = fn }

func (p *Fetch) Kind() string { return "fetch" }

func (p *Fetch) Deduplicate(peers []Plan) Plan {
	fp := reflect.ValueOf(p.fn).Pointer()
	for _, peer := range peers {
		if f, ok := peer.(*Fetch); ok && reflect.ValueOf(f.fn).Pointer() == fp {
			return peer
		}
	}
	return p
}

// Execute never hands an upstream error value to the backend: rows carrying a
// failed dependency propagate the error directly and the backend only sees the
// remaining keys.
func (p *Fetch) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	out := make([]any, len(rows))
	keys := make([]any, 0, len(rows))
	idx := make([]int, 0, len(rows))
	for i, row := range rows {
		if pe, ok := rowError(row); ok {
			out[i] = pe
			continue
		}
		var key any
		if len(row) > 0 {
			key = row[0]
		}
		keys = append(keys, key)
		idx = append(idx, i)
	}
	if len(keys) == 0 {
		return out, nil
	}
	values, err := p.fn(ctx, keys)
	if err != nil {
		return nil, err
	}
	if len(values) != len(keys) {
		return nil, Internalf("%s: fetch returned %d values for %d keys", p.ID(), len(values), len(keys))
	}
	for j, v := range values {
		out[idx[j]] = v
	}
	return out, nil
}

func (p *Fetch) ExecuteStream(ctx context.Context, rows []Row, meta Meta, opts *StreamOptions) ([]Stream, error) {
	if p.streamFn != nil {
		out := make([]Stream, len(rows))
		for i, row := range rows {
			if pe, ok := rowError(row); ok {
				out[i] = errStream{pe}
				continue
			}
			var key any
			if len(row) > 0 {
				key = row[0]
			}
			s, err := p.streamFn(ctx, key)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	}
	values, err := p.Execute(ctx, rows, meta)
	if err != nil {
		return nil, err
	}
	out := make([]Stream, len(values))
	for i, v := range values {
		if pe, ok := AsError(v); ok {
			out[i] = errStream{pe}
			continue
		}
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("cannot stream non-list value %T", v)
		}
		out[i] = StreamOf(items)
	}
	return out, nil
}

// ListItem marks one list boundary in a field's value chain. The executor
// feeds each element of the parent list into the item's bucket slot, so
// Execute only ever passes through a value already branched for this item.
type ListItem struct {
	Base
	depth int
}

func NewListItem(ctx *Context, list Plan, depth int) (*ListItem, error) {
	p := &ListItem{depth: depth}
	if err := ctx.register(p, true); err != nil {
		return nil, err
	}
	if _, err := p.AddDependency(list); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ListItem) Kind() string { return "listItem" }

// Depth reports which list nesting level this item boundary represents.
func (p *ListItem) Depth() int { return p.depth }

func (p *ListItem) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	out := make([]any, len(rows))
	for i, row := range rows {
		if len(row) > 0 {
			out[i] = row[0]
		}
	}
	return out, nil
}

// ObjectValue wraps the raw parent object value for fields whose named result
// type expects a plan while the parent position carries only a plain value.
type ObjectValue struct {
	Base
}

func NewObjectValue(ctx *Context, parent Plan) (*ObjectValue, error) {
	p := &ObjectValue{}
	if err := ctx.register(p, true); err != nil {
		return nil, err
	}
	if _, err := p.AddDependency(parent); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ObjectValue) Kind() string { return "objectValue" }

func (p *ObjectValue) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	out := make([]any, len(rows))
	for i, row := range rows {
		if len(row) > 0 {
			out[i] = row[0]
		}
	}
	return out, nil
}

// Value is a dependency-less placeholder for a value supplied per execution
// (the operation's root value). The executor seeds it into the root bucket;
// it is never executed.
type Value struct {
	Base
}

func NewValue(ctx *Context) (*Value, error) {
	p := &Value{}
	if err := ctx.register(p, true); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Value) Kind() string { return "value" }

// SideEffectFunc performs the mutation for one row and returns its result.
type SideEffectFunc func(ctx context.Context, in []any) (any, error)

// SideEffect wraps a mutating operation. Side-effect plans are never
// deduplicated, never reordered relative to their siblings, and are kept
// alive by the liveness pass even when nothing depends on their output.
type SideEffect struct {
	Base
	fn SideEffectFunc
}

func NewSideEffect(ctx *Context, fn SideEffectFunc, deps ...Plan) (*SideEffect, error) {
	p := &SideEffect{fn: fn}
	if err := ctx.register(p, false); err != nil {
		return nil, err
	}
	p.hasSideEffects = true
	for _, dep := range deps {
		if _, err := p.AddDependency(dep); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *SideEffect) Kind() string { return "sideEffect" }

func (p *SideEffect) Execute(ctx context.Context, rows []Row, meta Meta) ([]any, error) {
	out := make([]any, len(rows))
	for i, row := range rows {
		if pe, ok := rowError(row); ok {
			out[i] = pe
			continue
		}
		v, err := p.fn(ctx, row)
		if err != nil {
			out[i] = WrapError(err)
			continue
		}
		out[i] = v
	}
	return out, nil
}

func rowError(row Row) (*Error, bool) {
	for _, v := range row {
		if pe, ok := AsError(v); ok {
			return pe, true
		}
	}
	return nil, false
}
