package triggering

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"tasktriggerer/internal/config"
)

func TestGroupID_PlainBucketUsesGroupAndBucketID(t *testing.T) {
	props := testProperties()
	got := groupID(props, config.BucketProperties{}, config.DefaultBucketID)
	want := "tasks." + config.DefaultBucketID
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestGroupID_TriggerSameTaskInAllNodesAppendsClientID(t *testing.T) {
	props := testProperties()
	got := groupID(props, config.BucketProperties{TriggerSameTaskInAllNodes: true}, "broadcast")
	want := "tasks.broadcast." + props.ClientID
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

type fakeSession struct {
	ctx          context.Context
	marked       map[TopicPartition]int64
	commitCalled int
}

func newFakeSession() *fakeSession {
	return &fakeSession{marked: map[TopicPartition]int64{}}
}

func (f *fakeSession) Claims() map[string][]int32 { return nil }
func (f *fakeSession) MemberID() string           { return "test-member" }
func (f *fakeSession) GenerationID() int32        { return 1 }

func (f *fakeSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	f.marked[TopicPartition{Topic: topic, Partition: partition}] = offset
}
func (f *fakeSession) Commit()                                          { f.commitCalled++ }
func (f *fakeSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (f *fakeSession) MarkMessage(_ *sarama.ConsumerMessage, _ string)  {}
func (f *fakeSession) Context() context.Context {
	if f.ctx != nil {
		return f.ctx
	}
	return context.Background()
}

func TestConsumerBucket_Commit_FinalizeAlwaysCommits(t *testing.T) {
	b := &ConsumerBucket{id: "default", props: testProperties(), tracker: NewOffsetTracker()}
	b.tracker.RegisterPolled(tp(0), 5)
	b.tracker.ReleaseCompleted(tp(0), 5)

	sess := newFakeSession()
	b.commit(sess, true)

	if sess.marked[tp(0)] != 6 {
		t.Fatalf("want offset 6 marked, got %v", sess.marked)
	}
	if sess.commitCalled != 1 {
		t.Fatalf("want Commit called once, got %d", sess.commitCalled)
	}
}

func TestConsumerBucket_Commit_SkipsBrokerCommitBeforeDelayElapses(t *testing.T) {
	b := &ConsumerBucket{id: "default", props: testProperties(), tracker: NewOffsetTracker()}
	b.props.GenericMediumDelay = time.Hour
	b.lastCommit.Store(time.Now().UnixNano())

	b.tracker.RegisterPolled(tp(0), 1)
	b.tracker.ReleaseCompleted(tp(0), 1)

	sess := newFakeSession()
	b.commit(sess, false)

	if sess.marked[tp(0)] != 2 {
		t.Fatalf("want offset still marked locally, got %v", sess.marked)
	}
	if sess.commitCalled != 0 {
		t.Fatalf("want Commit withheld until the delay elapses, got %d calls", sess.commitCalled)
	}
}

func TestConsumerBucket_Commit_NoStagedOffsetsIsNoOp(t *testing.T) {
	b := &ConsumerBucket{id: "default", props: testProperties(), tracker: NewOffsetTracker()}
	sess := newFakeSession()
	b.commit(sess, false)
	if sess.commitCalled != 0 || len(sess.marked) != 0 {
		t.Fatalf("want no-op with nothing staged, got marked=%v commits=%d", sess.marked, sess.commitCalled)
	}
}
