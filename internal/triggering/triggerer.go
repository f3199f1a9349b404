package triggering

import (
	"context"
	"fmt"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/logging"
	"tasktriggerer/internal/task"
)

// triggerSender is the narrow slice of *Producer the Trigger path needs.
// Tests substitute a fake; production wiring passes a real *Producer, which
// satisfies this interface as-is.
type triggerSender interface {
	Send(topic string, t TriggerMessage) error
}

// Triggerer is the public entry point: Trigger(ctx, task) is what the rest of
// the application calls whenever a task becomes eligible to run. It resolves
// the task's handler and bucket, then either hands the task straight to the
// processing service (same-process dispatch) or produces it onto the
// bucket's Kafka topic for some consumer (possibly this node, possibly
// another) to pick up.
type Triggerer struct {
	props         config.Properties
	registry      TaskHandlerRegistry
	taskDao       TaskDao
	producer      triggerSender
	lifecycle     *LifecycleController
	deps          bucketDeps
	inTransaction func(context.Context) bool
}

func NewTriggerer(props config.Properties, registry TaskHandlerRegistry, taskDao TaskDao, processingService ProcessingService, producer triggerSender, m *Metrics) *Triggerer {
	return &Triggerer{
		props:     props,
		registry:  registry,
		taskDao:   taskDao,
		producer:  producer,
		lifecycle: NewLifecycleController(props, processingService, taskDao, m),
		deps:      bucketDeps{processingService: processingService, taskDao: taskDao, buckets: props, metrics: m},
	}
}

// SetBucketsManager replaces the file/env-backed bucket table, here and on
// the lifecycle controller, with a caller-supplied source of bucket
// definitions. Must be called during wiring, before the first Trigger call
// and before any bucket is started.
func (tr *Triggerer) SetBucketsManager(bm config.BucketsManager) {
	tr.deps.buckets = bm
	tr.lifecycle.SetBucketsManager(bm)
}

// Lifecycle exposes the start/stop controller so the hosting application can
// wire it into its own startup/shutdown sequence.
func (tr *Triggerer) Lifecycle() *LifecycleController {
	return tr.lifecycle
}

// SetInTransactionCheck installs the hosting framework's transaction probe.
// With assertions enabled, Trigger refuses to run inside an active
// transaction: a trigger produced before the surrounding transaction commits
// can race a consumer into reading task state that was later rolled back.
func (tr *Triggerer) SetInTransactionCheck(fn func(context.Context) bool) {
	tr.inTransaction = fn
}

// Trigger routes t to its bucket. A task whose type has no registered
// handler, or whose handler names a bucket this process doesn't have
// configured, is marked ERROR and never produced; retrying a trigger for an
// unroutable task can only ever fail the same way.
func (tr *Triggerer) Trigger(ctx context.Context, t task.Task) error {
	if tr.props.AssertionsEnabled && tr.inTransaction != nil && tr.inTransaction(ctx) {
		return fmt.Errorf("triggerer: Trigger called inside an active transaction for task %d", t.ID)
	}

	handler := tr.registry.TaskHandler(t)
	if handler == nil {
		tr.markUnroutable(ctx, t, "no handler registered for task type")
		return fmt.Errorf("triggerer: no handler for task type %q", t.Type)
	}

	bucketID := normalizeBucketID(handler.ProcessingBucket(t))
	bp, ok := tr.deps.buckets.BucketOrDefault(bucketID)
	if !ok {
		tr.markUnroutable(ctx, t, "bucket not configured")
		return fmt.Errorf("triggerer: bucket %q is not configured for task type %q", bucketID, t.Type)
	}

	if bp.TriggerInSameProcess {
		resp := tr.deps.processingService.AddTaskForProcessing(ctx, TaskTriggering{
			Task: t, BucketID: bucketID, SameProcessTrigger: true,
		})
		if resp.Result == ResultOK {
			return nil
		}
		// No room right now: fall through to the broker so a consumer (this
		// node or another) picks it up once capacity exists.
	}

	topic := Topic(tr.props, bucketID)
	if err := tr.producer.Send(topic, ToTriggerMessage(t)); err != nil {
		return fmt.Errorf("triggerer: produce trigger for task %d: %w", t.ID, err)
	}
	return nil
}

func (tr *Triggerer) markUnroutable(ctx context.Context, t task.Task, reason string) {
	logging.L().Error("triggerer: task is unroutable", "task_id", t.ID, "type", t.Type, "reason", reason)
	if tr.deps.metrics != nil {
		tr.deps.metrics.tasksMarkedError.WithLabelValues("", t.Type).Inc()
	}
	if !tr.taskDao.SetStatus(ctx, t.ID, task.StatusError, t.Version) {
		if tr.deps.metrics != nil {
			tr.deps.metrics.failedStatusChange.WithLabelValues(t.Type, string(t.Status), string(task.StatusError)).Inc()
		}
	}
}
