package triggering

import (
	"crypto/rand"
	"encoding/binary"
	"strings"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/task"
)

// Topic derives the bucket-scoped trigger topic name:
// [<namespace>.]twTasks.<groupId>.executeTask[.<bucketId>]
func Topic(props config.Properties, bucketID string) string {
	t := "twTasks." + props.GroupID + ".executeTask"
	if bucketID != "" && bucketID != config.DefaultBucketID {
		t += "." + bucketID
	}
	if props.KafkaTopicsNamespace != "" {
		t = props.KafkaTopicsNamespace + "." + t
	}
	return t
}

// Topics returns the primary topic for bucketID plus one data-center-prefixed
// alias per entry in kafkaDataCenterPrefixes, all of which are subscribed to on
// the consume side.
func Topics(props config.Properties, bucketID string) []string {
	primary := Topic(props, bucketID)
	topics := []string{primary}
	for _, prefix := range strings.Split(props.KafkaDataCenterPrefixes, ",") {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		topics = append(topics, prefix+primary)
	}
	return topics
}

// TriggerMessage is the JSON wire shape produced to, and consumed from, the
// trigger topic. Unknown fields are tolerated on decode (encoding/json ignores
// them), so producers are free to grow the schema.
type TriggerMessage struct {
	ID       int64       `json:"id"`
	Version  int64       `json:"version"`
	Type     string      `json:"type"`
	Priority int16       `json:"priority"`
	Status   task.Status `json:"status"`
}

func ToTriggerMessage(t task.Task) TriggerMessage {
	return TriggerMessage{ID: t.ID, Version: t.Version, Type: t.Type, Priority: t.Priority, Status: t.Status}
}

func (m TriggerMessage) ToTask() task.Task {
	return task.Task{ID: m.ID, Version: m.Version, Type: m.Type, Priority: m.Priority, Status: m.Status}
}

// randomKey returns a single random, non-null code point as a UTF-8-encoded
// string. A non-null key forces the broker client's hash partitioner instead of
// its default sticky-batch partitioner, spreading triggers evenly across
// partitions regardless of their value size.
func randomKey() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	// Masking to 15 bits keeps the code point clear of the surrogate range,
	// which Go would collapse to a single replacement character and skew the
	// key distribution.
	v := binary.BigEndian.Uint16(b[:]) & 0x7FFF
	if v == 0 {
		v = 1
	}
	return string(rune(v))
}
