package triggering

import (
	"context"
	"errors"
	"testing"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/task"
)

type fakeSender struct {
	sent []TriggerMessage
	err  error
}

func (f *fakeSender) Send(_ string, t TriggerMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, t)
	return nil
}

type fakeHandler struct {
	bucket string
}

func (h fakeHandler) ProcessingBucket(task.Task) string { return h.bucket }

type fakeRegistry struct {
	handlers map[string]TaskHandler
}

func (r fakeRegistry) TaskHandler(t task.Task) TaskHandler {
	return r.handlers[t.Type]
}

func TestTriggerer_Trigger_NoHandlerMarksTaskError(t *testing.T) {
	dao := newFakeTaskDao(true)
	pm := &fakeProcessingService{}
	tr := NewTriggerer(testProperties(), fakeRegistry{handlers: map[string]TaskHandler{}}, dao, pm, nil, nil)

	err := tr.Trigger(context.Background(), task.Task{ID: 1, Type: "unknown", Version: 3})
	if err == nil {
		t.Fatal("want an error for an unroutable task")
	}
	if dao.statuses[1] != task.StatusError {
		t.Fatalf("want task marked ERROR, got %v", dao.statuses[1])
	}
}

func TestTriggerer_Trigger_UnconfiguredBucketMarksTaskError(t *testing.T) {
	dao := newFakeTaskDao(true)
	pm := &fakeProcessingService{}
	reg := fakeRegistry{handlers: map[string]TaskHandler{"payments": fakeHandler{bucket: "does-not-exist"}}}
	tr := NewTriggerer(testProperties(), reg, dao, pm, nil, nil)

	err := tr.Trigger(context.Background(), task.Task{ID: 2, Type: "payments", Version: 1})
	if err == nil {
		t.Fatal("want an error for a task routed to an unconfigured bucket")
	}
	if dao.statuses[2] != task.StatusError {
		t.Fatalf("want task marked ERROR, got %v", dao.statuses[2])
	}
}

func TestTriggerer_Trigger_SameProcessFastPathSkipsBroker(t *testing.T) {
	props := testProperties()
	props.Buckets[config.DefaultBucketID] = config.BucketProperties{TriggerInSameProcess: true}
	dao := newFakeTaskDao(true)
	pm := &fakeProcessingService{}
	reg := fakeRegistry{handlers: map[string]TaskHandler{"payments": fakeHandler{bucket: config.DefaultBucketID}}}
	tr := NewTriggerer(props, reg, dao, pm, nil, nil)

	if err := tr.Trigger(context.Background(), task.Task{ID: 3, Type: "payments"}); err != nil {
		t.Fatalf("want same-process dispatch to succeed without a producer, got %v", err)
	}
	if len(pm.calls) != 1 {
		t.Fatalf("want exactly one same-process handoff, got %d", len(pm.calls))
	}
	if !pm.calls[0].SameProcessTrigger {
		t.Fatal("want the handoff flagged as a same-process trigger")
	}
}

// fakeBucketsManager stands in for a bucket catalog that lives somewhere
// other than the config file.
type fakeBucketsManager struct {
	buckets map[string]config.BucketProperties
}

func (f fakeBucketsManager) BucketOrDefault(bucketID string) (config.BucketProperties, bool) {
	if bucketID == "" {
		bucketID = config.DefaultBucketID
	}
	bp, ok := f.buckets[bucketID]
	return bp, ok
}

func (f fakeBucketsManager) BucketIDs() []string {
	ids := make([]string, 0, len(f.buckets))
	for id := range f.buckets {
		ids = append(ids, id)
	}
	return ids
}

func TestTriggerer_SetBucketsManager_RoutesThroughSubstitute(t *testing.T) {
	dao := newFakeTaskDao(true)
	pm := &fakeProcessingService{}
	reg := fakeRegistry{handlers: map[string]TaskHandler{"payments": fakeHandler{bucket: "external"}}}
	sender := &fakeSender{}
	tr := NewTriggerer(testProperties(), reg, dao, pm, sender, nil)

	// The config file knows nothing about bucket "external"...
	if err := tr.Trigger(context.Background(), task.Task{ID: 8, Type: "payments"}); err == nil {
		t.Fatal("want an error while the bucket is unknown to the default table")
	}

	// ...but a substituted catalog does.
	tr.SetBucketsManager(fakeBucketsManager{buckets: map[string]config.BucketProperties{
		"external": {TriggersFetchSize: 16},
	}})
	if err := tr.Trigger(context.Background(), task.Task{ID: 9, Type: "payments"}); err != nil {
		t.Fatalf("want the trigger routed via the substituted catalog, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("want exactly one produced trigger, got %d", len(sender.sent))
	}
}

func TestTriggerer_Trigger_RefusesInsideActiveTransaction(t *testing.T) {
	props := testProperties()
	props.AssertionsEnabled = true
	dao := newFakeTaskDao(true)
	pm := &fakeProcessingService{}
	reg := fakeRegistry{handlers: map[string]TaskHandler{"payments": fakeHandler{bucket: config.DefaultBucketID}}}
	sender := &fakeSender{}
	tr := NewTriggerer(props, reg, dao, pm, sender, nil)
	tr.SetInTransactionCheck(func(context.Context) bool { return true })

	if err := tr.Trigger(context.Background(), task.Task{ID: 7, Type: "payments"}); err == nil {
		t.Fatal("want an error when triggering inside an active transaction")
	}
	if len(pm.calls) != 0 || len(sender.sent) != 0 {
		t.Fatalf("want no handoff and no produce from a refused trigger, got calls=%d sent=%d", len(pm.calls), len(sender.sent))
	}
}

func TestTriggerer_Trigger_SameProcessFullFallsThroughToBrokerAttempt(t *testing.T) {
	props := testProperties()
	props.Buckets[config.DefaultBucketID] = config.BucketProperties{TriggerInSameProcess: true}
	dao := newFakeTaskDao(true)
	pm := &fakeProcessingService{responses: []ResultCode{ResultFull}}
	reg := fakeRegistry{handlers: map[string]TaskHandler{"payments": fakeHandler{bucket: config.DefaultBucketID}}}
	sender := &fakeSender{err: errors.New("broker unreachable")}
	tr := NewTriggerer(props, reg, dao, pm, sender, nil)

	err := tr.Trigger(context.Background(), task.Task{ID: 4, Type: "payments"})
	if err == nil {
		t.Fatal("want an error once same-process dispatch reports full and the broker send also fails")
	}
}
