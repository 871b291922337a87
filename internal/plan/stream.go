package plan

import "context"

// Stream is a pull iterator over an incrementally delivered list result.
// Next blocks until an element is available, the stream ends (ok=false), or
// ctx is cancelled. Close releases the underlying source; it is safe to call
// concurrently with Next and more than once.
type Stream interface {
	Next(ctx context.Context) (value any, ok bool, err error)
	Close() error
}

type sliceStream struct {
	items []any
	pos   int
}

// StreamOf adapts an already materialized list into a Stream. Streamable plan
// kinds use it as the fallback when their source has no native stream form.
func StreamOf(items []any) Stream {
	return &sliceStream{items: items}
}

func (s *sliceStream) Next(ctx context.Context) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.pos >= len(s.items) {
		return nil, false, nil
	}
	v := s.items[s.pos]
	s.pos++
	return v, true, nil
}

func (s *sliceStream) Close() error {
	s.pos = len(s.items)
	return nil
}

// errStream carries a per-row failure through a stream-typed result position.
type errStream struct {
	err error
}

func (s errStream) Next(ctx context.Context) (any, bool, error) { return nil, false, s.err }

func (s errStream) Close() error { return nil }
