package engine

import (
	"context"
	"fmt"
	"sync"

	compiler "github.com/hanpama/plangraph/internal/compiler"
	language "github.com/hanpama/plangraph/internal/language"
	plan "github.com/hanpama/plangraph/internal/plan"
)

// ResultStream delivers one Result per subscription event. Close cancels the
// pump and releases the underlying event source; it is safe to call more
// than once.
type ResultStream struct {
	results chan *Result
	cancel  context.CancelFunc
	source  plan.Stream

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Next blocks until the next result, the stream ends (ok=false), or ctx is
// cancelled.
func (s *ResultStream) Next(ctx context.Context) (*Result, bool, error) {
	select {
	case res, ok := <-s.results:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return nil, false, s.err
		}
		return res, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Close tears the stream down.
func (s *ResultStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.source.Close()
	})
	return nil
}

func (s *ResultStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe opens a subscription: the single root field's plan is executed in
// stream form, and each event it yields runs the operation's selection set as
// its own execution with its own buckets.
func Subscribe(ctx context.Context, op *compiler.Operation, rootValue any) (*ResultStream, error) {
	if op.OperationType() != language.Subscription {
		return nil, fmt.Errorf("operation is a %s, not a subscription", op.OperationType())
	}
	h := op.SubscriptionPlanID()
	if h == plan.InvalidHandle {
		return nil, plan.Internalf("subscription operation has no root stream plan")
	}

	e := newExecution(ctx, op, rootValue)
	p := e.table.Get(h)
	if p == nil {
		return nil, plan.Internalf("no live plan behind %s", h)
	}
	sp, ok := p.(plan.Streamable)
	if !ok {
		return nil, fmt.Errorf("subscription root plan %s does not support streaming", p.Kind())
	}

	rows, err := e.dependencyRows(p, []*bucket{e.rootBucket})
	if err != nil {
		return nil, err
	}
	streams, err := sp.ExecuteStream(ctx, rows, e.metaFor(p.ID()), p.StreamOptions())
	if err != nil {
		return nil, err
	}
	if len(streams) != 1 {
		return nil, plan.Internalf("subscription stream execute returned %d streams for one row", len(streams))
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	rs := &ResultStream{
		results: make(chan *Result),
		cancel:  cancel,
		source:  streams[0],
	}
	go rs.pump(pumpCtx, op, rootValue, p.ID())
	return rs, nil
}

// pump executes the selection set once per event. Each event gets a fresh
// execution: buckets, memoization, and errors never leak across events.
func (s *ResultStream) pump(ctx context.Context, op *compiler.Operation, rootValue any, eventPlan plan.Handle) {
	defer close(s.results)
	defer s.source.Close()
	for {
		v, ok, err := s.source.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		if !ok {
			return
		}
		exec := newExecution(ctx, op, rootValue)
		exec.rootBucket.values[eventPlan] = v
		res := exec.run()
		select {
		case s.results <- res:
		case <-ctx.Done():
			return
		}
	}
}
