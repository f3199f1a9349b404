package triggering

import (
	"time"

	"tasktriggerer/internal/config"
)

// testProperties returns a minimal, fully-defaulted Properties value for
// tests that only care about one or two fields, mirroring what
// config.Load would produce for an empty file.
func testProperties() config.Properties {
	return config.Properties{
		GroupID:            "tasks",
		ClientID:           "tasktriggerer-test",
		AutoResetOffsetTo:  "earliest",
		GenericMediumDelay: 50 * time.Millisecond,
		Triggering: config.TriggeringProperties{
			Kafka: config.KafkaProperties{BootstrapServers: "localhost:9092"},
		},
		Buckets: map[string]config.BucketProperties{
			config.DefaultBucketID: {
				TriggeringTopicPartitionsCount: 1,
				TriggersFetchSize:              1024,
			},
		},
	}
}
