package events

import "time"

// CompileStart is emitted before compiling an operation into a plan graph.
type CompileStart struct {
	OperationName string
	OperationType string
}

// CompileFinish is emitted after compilation, successful or not.
type CompileFinish struct {
	OperationName string
	OperationType string
	PlanCount     int
	Duration      time.Duration
	Err           error
}

// OperationStart is emitted before executing a compiled operation.
type OperationStart struct {
	OperationName string
	OperationType string
}

// OperationFinish is emitted after executing a compiled operation.
type OperationFinish struct {
	OperationName string
	OperationType string
	ErrorCount    int
	Duration      time.Duration
}

// BatchStart is emitted when the executor drains one plan batch.
type BatchStart struct {
	PathIdentity string
	PlanKind     string
	Size         int
}

// BatchFinish is emitted after a plan batch completes.
type BatchFinish struct {
	PathIdentity string
	PlanKind     string
	Size         int
	Duration     time.Duration
	Err          error
}
