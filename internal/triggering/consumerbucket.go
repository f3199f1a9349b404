package triggering

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/logging"
)

// ConsumerBucket is the runtime state behind one configured bucket's trigger
// topic: its own consumer group (so buckets scale and rebalance
// independently), its own OffsetTracker, and the versionGate its poll loop
// retries against when the processing service reports no room.
type ConsumerBucket struct {
	id     string
	props  config.Properties
	bucket config.BucketProperties

	client sarama.Client
	group  sarama.ConsumerGroup
	topics []string

	tracker *OffsetTracker
	gate    *versionGate

	unprocessedFetchedRecords atomic.Int64

	lastCommit atomic.Int64 // unix nanos of the last sess.Commit

	commitErrLog *logging.ErrorThrottler

	deps bucketDeps
}

// bucketDeps are the collaborators a ConsumerBucket needs beyond Kafka
// itself: where to hand off decoded tasks, how to mark a task ERROR when it
// can't be routed, and where bucket definitions come from.
type bucketDeps struct {
	processingService ProcessingService
	taskDao           TaskDao
	buckets           config.BucketsManager
	metrics           *Metrics
}

// groupID returns the consumer group id this bucket consumes under.
// TriggerSameTaskInAllNodes fans a single trigger out to every node by making
// each node its own consumer group (appending the client id), trading
// partition-level load balancing for guaranteed full delivery.
func groupID(props config.Properties, bp config.BucketProperties, bucketID string) string {
	g := props.GroupID + "." + bucketID
	if bp.TriggerSameTaskInAllNodes {
		g += "." + props.ClientID
	}
	return g
}

// newConsumerBucket dials the bucket's own sarama.Client and ConsumerGroup,
// idempotently creating the trigger topic with its configured partition count
// first. Balance strategy prefers cooperative-sticky, falling back to range
// for brokers/clients that don't support incremental rebalancing.
func newConsumerBucket(bucketID string, props config.Properties, deps bucketDeps) (*ConsumerBucket, error) {
	bp, ok := deps.buckets.BucketOrDefault(bucketID)
	if !ok {
		return nil, fmt.Errorf("triggerer: bucket %q is not configured", bucketID)
	}

	sc := newKafkaConfig(props)
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.ChannelBufferSize = int(bp.TriggersFetchSize)
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyCooperativeSticky(),
		sarama.NewBalanceStrategyRange(),
	}
	if props.AutoResetOffsetTo == "latest" {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	client, err := sarama.NewClient(brokerList(props), sc)
	if err != nil {
		return nil, fmt.Errorf("triggerer: bucket %q client: %w", bucketID, err)
	}

	ensureTopicPartitions(client, Topic(props, bucketID), bp.TriggeringTopicPartitionsCount)

	group, err := sarama.NewConsumerGroupFromClient(groupID(props, bp, bucketID), client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("triggerer: bucket %q group: %w", bucketID, err)
	}

	b := &ConsumerBucket{
		id:           bucketID,
		props:        props,
		bucket:       bp,
		client:       client,
		group:        group,
		topics:       Topics(props, bucketID),
		tracker:      NewOffsetTracker(),
		gate:         newVersionGate(),
		commitErrLog: logging.NewErrorThrottler(100),
		deps:         deps,
	}
	b.tracker.OnAlreadyCommitted(func() {
		if deps.metrics != nil {
			deps.metrics.alreadyCommittedOffset.WithLabelValues(bucketID).Inc()
		}
	})
	return b, nil
}

// ensureTopicPartitions idempotently creates the bucket's primary trigger
// topic with the configured partition count. Alias topics are mirrored in
// from other data centers and are never created here. Failures are tolerated:
// on most clusters the topic either exists already or auto-creates on first
// produce.
func ensureTopicPartitions(client sarama.Client, topic string, partitions int32) {
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		logging.L().Warn("triggerer: cluster admin unavailable, skipping topic setup", "topic", topic, "error", err)
		return
	}
	// Closing the admin would close the shared client with it, so it stays open.
	err = admin.CreateTopic(topic, &sarama.TopicDetail{NumPartitions: partitions, ReplicationFactor: -1}, false)
	var terr *sarama.TopicError
	if err != nil && !(errors.As(err, &terr) && terr.Err == sarama.ErrTopicAlreadyExists) {
		logging.L().Warn("triggerer: create topic failed", "topic", topic, "error", err)
	}
}

func (b *ConsumerBucket) close() {
	_ = b.group.Close()
	_ = b.client.Close()
}

// run drives the consume loop until ctx is cancelled, rejoining the group
// after every rebalance. Any other error, and any panic out of the handler,
// is returned to the caller, which closes this consumer and dials a fresh
// one.
func (b *ConsumerBucket) run(ctx context.Context) (err error) {
	go b.drainGroupErrors()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("triggerer: bucket %s poll loop panic: %v", b.id, r)
		}
	}()

	handler := &consumerGroupHandler{bucket: b}
	for {
		if err := b.group.Consume(ctx, b.topics, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// drainGroupErrors classifies asynchronous consumer-group errors, which is
// where sarama surfaces offset-commit failures. A rebalance- or
// coordinator-movement-caused failure is routine (the staged offsets were
// already cleared and will be re-polled); anything else is logged, throttled.
// The channel closes when the group does, ending this goroutine.
func (b *ConsumerBucket) drainGroupErrors() {
	for err := range b.group.Errors() {
		if b.deps.metrics != nil {
			b.deps.metrics.failedCommits.WithLabelValues(b.id).Inc()
		}
		if isRetriableCommitError(err) {
			logging.L().Debug("triggerer: transient consumer group error", "bucket", b.id, "error", err)
			continue
		}
		if b.commitErrLog.CanLogError() {
			logging.L().Error("triggerer: consumer group error", "bucket", b.id, "error", err)
		}
	}
}

// commit drains the tracker's currently-commitable offsets and marks them on
// the session. finalize forces an immediate sess.Commit() (used on shutdown);
// otherwise a commit is only issued once genericMediumDelay has elapsed since
// the last one.
func (b *ConsumerBucket) commit(sess sarama.ConsumerGroupSession, finalize bool) {
	staged := b.tracker.DrainCommitable()
	if len(staged) == 0 && !finalize {
		return
	}
	for pos, offset := range staged {
		sess.MarkOffset(pos.Topic, pos.Partition, offset, "")
	}

	due := finalize
	if !due {
		last := b.lastCommit.Load()
		due = last == 0 || time.Since(time.Unix(0, last)) >= b.props.GenericMediumDelay
	}
	if !due {
		return
	}

	if b.deps.metrics != nil {
		b.deps.metrics.commits.WithLabelValues(b.id).Inc()
	}
	sess.Commit()
	b.lastCommit.Store(time.Now().UnixNano())
}
