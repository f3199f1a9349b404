package triggering

import "sync"

// TopicPartition identifies one partition of one subscribed topic. A bucket
// can consume several topics at once (its primary trigger topic plus any
// data-center-prefixed aliases), and their partition numbers overlap, so
// offset bookkeeping has to key on both.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// partitionState is the bookkeeping for one topic-partition: polled is the
// ordered set of offsets seen but not yet acknowledged, completed marks
// which of those are done. polled only ever grows at the tail (Kafka
// delivers ascending offsets within a partition) and drains from the head,
// so a plain slice serves as the ordered set without needing a tree.
type partitionState struct {
	polled    []int64
	completed map[int64]bool
}

func newPartitionState() *partitionState {
	return &partitionState{completed: map[int64]bool{}}
}

// OffsetTracker records, per topic-partition, which offsets a bucket has polled
// from Kafka and which of those have finished processing, and yields the
// contiguous prefix that is now safe to commit. One OffsetTracker belongs to
// exactly one ConsumerBucket; its mutex is the single point of serialization
// between the poll-side goroutines (RegisterPolled, DrainCommitable) and the
// processing-completion callback (ReleaseCompleted), which may run on a
// different goroutine entirely.
type OffsetTracker struct {
	mu         sync.Mutex
	partitions map[TopicPartition]*partitionState
	staged     map[TopicPartition]int64

	alreadyCommitted func() // test/metrics hook, nil-safe
}

func NewOffsetTracker() *OffsetTracker {
	return &OffsetTracker{
		partitions: map[TopicPartition]*partitionState{},
		staged:     map[TopicPartition]int64{},
	}
}

// OnAlreadyCommitted registers a hook invoked whenever ReleaseCompleted is
// called for an offset no longer tracked (see ReleaseCompleted). Metrics
// registration wires this; tests may also use it directly.
func (t *OffsetTracker) OnAlreadyCommitted(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alreadyCommitted = fn
}

// RegisterPolled inserts offset into the partition's polled set. It removes any
// stale completed-mark for the same offset first: a rebalance can redeliver an
// offset whose earlier copy we already finished (and possibly already
// committed past), and a fresh delivery must start life as not-done.
func (t *OffsetTracker) RegisterPolled(tp TopicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.partitions[tp]
	if ps == nil {
		ps = newPartitionState()
		t.partitions[tp] = ps
	}
	delete(ps.completed, offset)
	if !containsOffset(ps.polled, offset) {
		ps.polled = append(ps.polled, offset)
	}
}

// ReleaseCompleted marks offset as finished processing. If offset is the head
// of the polled queue, it drains every contiguous completed offset from the
// head and stages (partition, drainedOffset+1) as the next commitable offset:
// Kafka's committed offset is always "the offset of the next message to read".
//
// A release for an offset no longer in the polled queue is a no-op: it can
// happen after a rebalance redelivers a message whose earlier copy was already
// drained and committed past.
func (t *OffsetTracker) ReleaseCompleted(tp TopicPartition, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.partitions[tp]
	if ps == nil || !containsOffset(ps.polled, offset) {
		if t.alreadyCommitted != nil {
			t.alreadyCommitted()
		}
		return
	}

	ps.completed[offset] = true

	if ps.polled[0] != offset {
		return
	}

	for len(ps.polled) > 0 && ps.completed[ps.polled[0]] {
		drained := ps.polled[0]
		ps.polled = ps.polled[1:]
		delete(ps.completed, drained)
		t.staged[tp] = drained + 1
	}
}

// DrainCommitable atomically removes and returns the staged commit map.
func (t *OffsetTracker) DrainCommitable() map[TopicPartition]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.staged) == 0 {
		return nil
	}
	out := t.staged
	t.staged = map[TopicPartition]int64{}
	return out
}

// Outstanding reports how many polled-but-not-yet-drained offsets exist
// across all partitions, backing the offsets gauge.
func (t *OffsetTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ps := range t.partitions {
		n += len(ps.polled)
	}
	return n
}

// Completed reports how many offsets are marked done but not yet drained,
// backing the "offsetsCompleted" gauge.
func (t *OffsetTracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ps := range t.partitions {
		n += len(ps.completed)
	}
	return n
}

// StagedCount backs the "offsetsToBeCommitted" gauge.
func (t *OffsetTracker) StagedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.staged)
}

func containsOffset(offsets []int64, offset int64) bool {
	for _, o := range offsets {
		if o == offset {
			return true
		}
	}
	return false
}
