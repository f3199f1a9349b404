package triggering

import (
	"testing"

	"tasktriggerer/internal/config"
)

func TestTopic_DefaultBucketOmitsBucketSuffix(t *testing.T) {
	props := testProperties()
	got := Topic(props, config.DefaultBucketID)
	want := "twTasks.tasks.executeTask"
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestTopic_NamedBucketAndNamespace(t *testing.T) {
	props := testProperties()
	props.KafkaTopicsNamespace = "staging"
	got := Topic(props, "payments")
	want := "staging.twTasks.tasks.executeTask.payments"
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestTopics_IncludesDataCenterAliases(t *testing.T) {
	props := testProperties()
	props.KafkaDataCenterPrefixes = "dc1., dc2."
	got := Topics(props, config.DefaultBucketID)
	want := []string{
		"twTasks.tasks.executeTask",
		"dc1.twTasks.tasks.executeTask",
		"dc2.twTasks.tasks.executeTask",
	}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}

func TestRandomKey_NeverNullAndSingleCodePoint(t *testing.T) {
	for i := 0; i < 1000; i++ {
		k := randomKey()
		if k == "" {
			t.Fatal("key must never be empty")
		}
		runes := []rune(k)
		if len(runes) != 1 {
			t.Fatalf("want a single code point, got %d in %q", len(runes), k)
		}
		if runes[0] == 0 {
			t.Fatal("key must never be the null code point")
		}
	}
}

func TestTriggerMessage_RoundTripsTask(t *testing.T) {
	tm := TriggerMessage{ID: 42, Version: 3, Type: "payments", Priority: 5, Status: "WAITING"}
	got := ToTriggerMessage(tm.ToTask())
	if got != tm {
		t.Fatalf("want %+v, got %+v", tm, got)
	}
}
