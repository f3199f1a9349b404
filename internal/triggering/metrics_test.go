package triggering

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_RegisterBucketGauges_IsIdempotentPerBucket(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := &ConsumerBucket{id: "default", tracker: NewOffsetTracker()}
	get := func() *ConsumerBucket { return b }

	m.registerBucketGauges("default", get)
	m.registerBucketGauges("default", get) // must not attempt a duplicate registration

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawOffsets int
	for _, mf := range mfs {
		if mf.GetName() == "tasktriggerer_offsets" {
			sawOffsets++
		}
	}
	if sawOffsets != 1 {
		t.Fatalf("want the offsets gauge registered exactly once, got %d", sawOffsets)
	}
}

func TestMetrics_BucketGauges_ReadThroughSupplier(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	b := &ConsumerBucket{id: "default", tracker: NewOffsetTracker()}
	b.tracker.RegisterPolled(tp(0), 1)
	b.tracker.RegisterPolled(tp(0), 2)

	m.registerBucketGauges("default", func() *ConsumerBucket { return b })

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "tasktriggerer_offsets" {
			continue
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 2 {
			t.Fatalf("want the offsets gauge reading 2 outstanding, got %v", got)
		}
		return
	}
	t.Fatal("offsets gauge not found")
}
