package triggering

import (
	"context"

	"tasktriggerer/internal/task"
)

// The types in this file are the boundary to collaborators this module treats
// as external: task persistence, the handler registry, and the downstream
// processing service. This package only ever calls them through these
// interfaces; the framework that wires a real implementation in is out of
// scope.

// ResultCode is the outcome of a processing handoff attempt.
type ResultCode int

const (
	// ResultOK means the task was accepted for processing.
	ResultOK ResultCode = iota
	// ResultFull means the processing stage has no room right now; the caller
	// should retry once a slot frees.
	ResultFull
	// ResultError means the handoff itself failed for a reason other than
	// capacity (the fast path in Trigger treats this the same as ResultFull:
	// fall through to the broker).
	ResultError
)

// TaskTriggering is the envelope a bucket hands to the processing service: a
// task plus enough routing/offset context to later release the Kafka offset
// it came from, if any.
type TaskTriggering struct {
	Task               task.Task
	BucketID           string
	Topic              string
	Partition          int32
	Offset             int64
	SameProcessTrigger bool
}

// AddTaskForProcessingResponse is returned synchronously by the processing
// service from an attempted handoff.
type AddTaskForProcessingResponse struct {
	Result ResultCode
}

// CompletionListener is invoked by the processing service once a task finishes
// running, in either direction (same-process or broker-sourced).
type CompletionListener func(tt TaskTriggering)

// ProcessingService is the downstream task-processing pipeline. It is external
// to this module: task execution, its own concurrency limits, and its own
// notion of "full" all live there.
type ProcessingService interface {
	// AddTaskForProcessing attempts to hand a task off for execution.
	AddTaskForProcessing(ctx context.Context, tt TaskTriggering) AddTaskForProcessingResponse
	// AddTaskTriggeringFinishedListener registers a callback invoked when a
	// previously accepted task finishes. Implementations may call it from any
	// goroutine.
	AddTaskTriggeringFinishedListener(fn CompletionListener)
}

// TaskHandler resolves what bucket a task of its type should run in.
type TaskHandler interface {
	ProcessingBucket(t task.Task) string
}

// TaskHandlerRegistry resolves a task to the handler that knows how to run it.
// A nil return means no handler is registered for the task's type.
type TaskHandlerRegistry interface {
	TaskHandler(t task.Task) TaskHandler
}

// TaskDao is the task store. SetStatus reports whether the update applied; a
// false return (the version changed under us) is itself logged, it does not
// retry.
type TaskDao interface {
	SetStatus(ctx context.Context, id int64, status task.Status, expectedVersion int64) bool
}
