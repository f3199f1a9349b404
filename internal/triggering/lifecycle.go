package triggering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/logging"
)

// BucketState is a bucket's processing lifecycle: not polling, polling, or
// in the process of winding down.
type BucketState string

const (
	BucketStopped        BucketState = "STOPPED"
	BucketStarted        BucketState = "STARTED"
	BucketStopInProgress BucketState = "STOP_IN_PROGRESS"
)

// normalizeBucketID maps the empty bucket id every public operation accepts
// onto the default bucket.
func normalizeBucketID(bucketID string) string {
	if bucketID == "" {
		return config.DefaultBucketID
	}
	return bucketID
}

type bucketRuntime struct {
	state   BucketState
	cancel  context.CancelFunc
	stopped chan struct{}
	bucket  *ConsumerBucket
}

// LifecycleController is the single place bucket start/stop state is
// serialized: one lock guards every bucket's
// STOPPED/STARTED/STOP_IN_PROGRESS transition. Cancelling a bucket's poll
// context is the wake-up signal; a channel closed once is the stop future
// StopTasksProcessing hands back.
type LifecycleController struct {
	mu           sync.Mutex
	props        config.Properties
	deps         bucketDeps
	runtimes     map[string]*bucketRuntime
	shuttingDown bool
}

func NewLifecycleController(props config.Properties, processingService ProcessingService, taskDao TaskDao, m *Metrics) *LifecycleController {
	c := &LifecycleController{
		props:    props,
		deps:     bucketDeps{processingService: processingService, taskDao: taskDao, buckets: props, metrics: m},
		runtimes: map[string]*bucketRuntime{},
	}
	processingService.AddTaskTriggeringFinishedListener(c.onTaskFinished)
	return c
}

// SetBucketsManager replaces the file/env-backed bucket table with a
// caller-supplied source of bucket definitions. Must be called during
// wiring, before any bucket is started.
func (c *LifecycleController) SetBucketsManager(bm config.BucketsManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps.buckets = bm
}

// onTaskFinished wakes any ConsumeClaim loop waiting for a processing slot
// and, for broker-sourced tasks, releases the Kafka offset the task arrived
// on. A task accepted via the same-process fast path never held an offset,
// but its completion still frees processing capacity, so the gate advances
// for every completion regardless of how the task arrived.
func (c *LifecycleController) onTaskFinished(tt TaskTriggering) {
	c.mu.Lock()
	rt, ok := c.runtimes[tt.BucketID]
	c.mu.Unlock()
	if !ok || rt.bucket == nil {
		return
	}
	if !tt.SameProcessTrigger {
		rt.bucket.tracker.ReleaseCompleted(TopicPartition{Topic: tt.Topic, Partition: tt.Partition}, tt.Offset)
	}
	rt.bucket.gate.Advance()
}

// ApplicationStarted begins polling every configured bucket whose
// auto_start_processing is set. The hosting application calls it once on
// startup.
func (c *LifecycleController) ApplicationStarted() {
	c.mu.Lock()
	buckets := c.deps.buckets
	c.mu.Unlock()
	for _, id := range buckets.BucketIDs() {
		bp, _ := buckets.BucketOrDefault(id)
		if bp.AutoStartProcessing {
			if err := c.StartTasksProcessing(id); err != nil {
				logging.L().Error("triggerer: auto-start failed", "bucket", id, "error", err)
			}
		}
	}
}

// StartTasksProcessing dials the bucket's consumer group and begins polling
// it in a background worker. Starting an already-started bucket is a no-op.
// The worker runs the poll loop in a restart loop: a crash closes the
// consumer, sleeps genericMediumDelay, and dials a fresh one.
func (c *LifecycleController) StartTasksProcessing(bucketID string) error {
	bucketID = normalizeBucketID(bucketID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shuttingDown {
		return fmt.Errorf("triggerer: shutting down, refusing to start bucket %q", bucketID)
	}
	if rt, ok := c.runtimes[bucketID]; ok && rt.state != BucketStopped {
		return nil
	}

	consumer, err := newConsumerBucket(bucketID, c.props, c.deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &bucketRuntime{state: BucketStarted, cancel: cancel, stopped: make(chan struct{}), bucket: consumer}
	c.runtimes[bucketID] = rt
	if c.deps.metrics != nil {
		c.deps.metrics.pollingBuckets.Inc()
		c.deps.metrics.registerBucketGauges(bucketID, func() *ConsumerBucket {
			c.mu.Lock()
			defer c.mu.Unlock()
			if rt, ok := c.runtimes[bucketID]; ok {
				return rt.bucket
			}
			return nil
		})
	}

	go c.runBucketWorker(ctx, bucketID, rt, consumer)
	return nil
}

// runBucketWorker owns one bucket's consumer from start to stop. The consumer
// is recreated after every crash; only context cancellation (a stop request or
// process shutdown) ends the worker for good.
func (c *LifecycleController) runBucketWorker(ctx context.Context, bucketID string, rt *bucketRuntime, consumer *ConsumerBucket) {
	defer func() {
		c.mu.Lock()
		rt.state = BucketStopped
		if c.deps.metrics != nil {
			c.deps.metrics.pollingBuckets.Dec()
		}
		c.mu.Unlock()
		close(rt.stopped)
	}()

	for {
		err := consumer.run(ctx)
		consumer.close()
		if ctx.Err() != nil {
			return
		}
		logging.L().Error("triggerer: poll loop crashed, recreating consumer", "bucket", bucketID, "error", err)

		consumer = nil
		for consumer == nil {
			select {
			case <-time.After(c.props.GenericMediumDelay):
			case <-ctx.Done():
				return
			}
			c.mu.Lock()
			deps := c.deps
			c.mu.Unlock()
			next, cerr := newConsumerBucket(bucketID, c.props, deps)
			if cerr != nil {
				logging.L().Error("triggerer: consumer recreate failed, retrying", "bucket", bucketID, "error", cerr)
				continue
			}
			consumer = next
		}

		c.mu.Lock()
		rt.bucket = consumer
		c.mu.Unlock()
	}
}

// StopTasksProcessing requests a bucket stop polling and returns a channel
// that closes once it has. Stopping a bucket that is already stopped, or was
// never started, returns an already-closed channel.
func (c *LifecycleController) StopTasksProcessing(bucketID string) <-chan struct{} {
	bucketID = normalizeBucketID(bucketID)
	c.mu.Lock()
	defer c.mu.Unlock()

	rt, ok := c.runtimes[bucketID]
	if !ok || rt.state == BucketStopped {
		done := make(chan struct{})
		close(done)
		return done
	}
	if rt.state == BucketStarted {
		rt.state = BucketStopInProgress
		rt.cancel()
	}
	return rt.stopped
}

// GetTasksProcessingState reports a bucket's current lifecycle state and
// whether it has ever been started.
func (c *LifecycleController) GetTasksProcessingState(bucketID string) (BucketState, bool) {
	bucketID = normalizeBucketID(bucketID)
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.runtimes[bucketID]
	if !ok {
		return BucketStopped, false
	}
	return rt.state, true
}

// PrepareForShutdown stops every running bucket and refuses further starts.
func (c *LifecycleController) PrepareForShutdown() {
	c.mu.Lock()
	c.shuttingDown = true
	ids := make([]string, 0, len(c.runtimes))
	for id := range c.runtimes {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		<-c.StopTasksProcessing(id)
	}
}

// CanShutdown reports whether every bucket has fully stopped.
func (c *LifecycleController) CanShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rt := range c.runtimes {
		if rt.state != BucketStopped {
			return false
		}
	}
	return true
}
