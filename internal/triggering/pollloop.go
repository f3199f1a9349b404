package triggering

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"

	"tasktriggerer/internal/logging"
)

// consumerGroupHandler adapts one ConsumerBucket to sarama's
// ConsumerGroupHandler. Setup runs once per rebalance, before any
// ConsumeClaim goroutine starts; ConsumeClaim itself runs once per assigned
// partition, concurrently with its siblings. Each partition's messages still
// arrive in order and the OffsetTracker is keyed per topic-partition, so the
// per-partition commit invariant holds regardless of how many ConsumeClaim
// goroutines are running at once.
type consumerGroupHandler struct {
	bucket *ConsumerBucket
}

func (h *consumerGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	dur := h.bucket.bucket.AutoResetOffsetToDuration
	if dur == nil {
		return nil
	}
	cutoff := time.Now().Add(-*dur).UnixMilli()
	for topic, partitions := range sess.Claims() {
		for _, partition := range partitions {
			offset, err := h.bucket.client.GetOffset(topic, partition, cutoff)
			if err != nil {
				logging.L().Warn("triggerer: time-based offset lookup failed, keeping assigned offset",
					"bucket", h.bucket.id, "topic", topic, "partition", partition, "error", err)
				continue
			}
			sess.ResetOffset(topic, partition, offset, "")
		}
	}
	return nil
}

func (h *consumerGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.bucket.commit(sess, true)
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	b := h.bucket
	for msg := range claim.Messages() {
		pos := TopicPartition{Topic: msg.Topic, Partition: msg.Partition}
		b.unprocessedFetchedRecords.Add(1)
		b.tracker.RegisterPolled(pos, msg.Offset)

		var tm TriggerMessage
		if err := json.Unmarshal(msg.Value, &tm); err != nil {
			logging.L().Error("triggerer: malformed trigger message, skipping",
				"bucket", b.id, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			b.tracker.ReleaseCompleted(pos, msg.Offset)
			b.unprocessedFetchedRecords.Add(-1)
			continue
		}
		if b.deps.metrics != nil {
			b.deps.metrics.triggersReceived.WithLabelValues(b.id).Inc()
		}

		tt := TaskTriggering{
			Task:      tm.ToTask(),
			BucketID:  b.id,
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}
		accepted := h.handOff(sess, tt)
		b.unprocessedFetchedRecords.Add(-1)
		if !accepted {
			return sess.Context().Err()
		}
		b.commit(sess, false)
	}
	return nil
}

// handOff retries AddTaskForProcessing until it is accepted or the session
// ends, waiting on the bucket's versionGate between attempts so a retry only
// happens once a slot has actually freed (or genericMediumDelay has passed,
// which keeps the loop responsive to session cancellation even if the
// processing service never signals again).
func (h *consumerGroupHandler) handOff(sess sarama.ConsumerGroupSession, tt TaskTriggering) bool {
	b := h.bucket
	for {
		since := b.gate.Version()
		resp := b.deps.processingService.AddTaskForProcessing(sess.Context(), tt)
		switch resp.Result {
		case ResultOK:
			return true
		case ResultFull:
		default:
			// The service rejected the handoff outright, so its completion
			// listener will never fire for this record. Release the offset to
			// keep the partition draining; the resurrection scanner re-triggers
			// the task later.
			logging.L().Error("triggerer: processing service rejected task",
				"bucket", b.id, "task_id", tt.Task.ID, "type", tt.Task.Type)
			b.tracker.ReleaseCompleted(TopicPartition{Topic: tt.Topic, Partition: tt.Partition}, tt.Offset)
			return true
		}
		if sess.Context().Err() != nil {
			return false
		}
		b.gate.Wait(sess.Context(), since, b.props.GenericMediumDelay)
		if sess.Context().Err() != nil {
			return false
		}
	}
}
