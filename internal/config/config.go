// Package config loads the triggerer's process-level settings and the
// per-bucket table: a YAML file merged with environment overrides via koanf.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultBucketID is used whenever a caller passes an empty bucket id.
const DefaultBucketID = "default"

// KafkaProperties is the pass-through Kafka client configuration shared by the
// producer and every bucket's consumer group.
type KafkaProperties struct {
	BootstrapServers string            `koanf:"bootstrap_servers"`
	Properties       map[string]string `koanf:"properties"`
}

// TriggeringProperties groups the broker connection settings under the same
// "triggering.kafka.*" namespace the distilled spec enumerates.
type TriggeringProperties struct {
	Kafka KafkaProperties `koanf:"kafka"`
}

// BucketProperties is the per-bucket configuration: partition count, fetch
// batch size, and the dispatch-mode flags.
type BucketProperties struct {
	TriggeringTopicPartitionsCount int32          `koanf:"triggering_topic_partitions_count"`
	TriggersFetchSize              int32          `koanf:"triggers_fetch_size"`
	TriggerInSameProcess           bool           `koanf:"trigger_in_same_process"`
	TriggerSameTaskInAllNodes      bool           `koanf:"trigger_same_task_in_all_nodes"`
	AutoStartProcessing            bool           `koanf:"auto_start_processing"`
	AutoResetOffsetToDuration      *time.Duration `koanf:"auto_reset_offset_to_duration"`
}

// BucketsManager supplies the bucket table: which buckets exist and each
// one's properties. Properties is the file/env-backed default; a hosting
// application whose bucket catalog lives elsewhere (a database table, an
// admin API) can substitute its own implementation.
type BucketsManager interface {
	// BucketOrDefault resolves a (possibly empty) bucket id, reporting
	// whether the bucket is known.
	BucketOrDefault(bucketID string) (BucketProperties, bool)
	// BucketIDs lists every known bucket id, in no particular order.
	BucketIDs() []string
}

// Properties is the triggerer's full configuration surface.
type Properties struct {
	GroupID                 string                      `koanf:"group_id"`
	ClientID                string                      `koanf:"client_id"`
	KafkaTopicsNamespace    string                      `koanf:"kafka_topics_namespace"`
	KafkaDataCenterPrefixes string                      `koanf:"kafka_data_center_prefixes"`
	AutoResetOffsetTo       string                      `koanf:"auto_reset_offset_to"`
	GenericMediumDelay      time.Duration               `koanf:"generic_medium_delay"`
	AssertionsEnabled       bool                        `koanf:"assertions_enabled"`
	Triggering              TriggeringProperties        `koanf:"triggering"`
	Buckets                 map[string]BucketProperties `koanf:"buckets"`
}

// BucketOrDefault resolves a (possibly empty) bucket id against the configured
// table. An unknown bucketID yields the zero-value BucketProperties (no
// defaults applied) and false.
func (p Properties) BucketOrDefault(bucketID string) (BucketProperties, bool) {
	if bucketID == "" {
		bucketID = DefaultBucketID
	}
	bp, ok := p.Buckets[bucketID]
	return bp, ok
}

// BucketIDs returns the configured bucket ids in no particular order.
func (p Properties) BucketIDs() []string {
	ids := make([]string, 0, len(p.Buckets))
	for id := range p.Buckets {
		ids = append(ids, id)
	}
	return ids
}

var _ BucketsManager = Properties{}

// Load merges YAML (if present) with TASKTRIGGERER__-prefixed environment
// variables; a missing file is not an error, defaults cover everything.
func Load(path string) (Properties, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Properties{}, err
		}
	}

	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Properties{}, fmt.Errorf("triggerer schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("TASKTRIGGERER__", "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TASKTRIGGERER__"))
	}), nil)

	var props Properties
	if err := k.Unmarshal("", &props); err != nil {
		return props, err
	}
	applyDefaults(&props)
	return props, nil
}

func applyDefaults(p *Properties) {
	if p.GroupID == "" {
		p.GroupID = "tasks"
	}
	if p.ClientID == "" {
		p.ClientID = "tasktriggerer"
	}
	if p.AutoResetOffsetTo == "" {
		p.AutoResetOffsetTo = "earliest"
	}
	if p.GenericMediumDelay == 0 {
		p.GenericMediumDelay = 5 * time.Second
	}
	if p.Buckets == nil {
		p.Buckets = map[string]BucketProperties{}
	}
	if _, ok := p.Buckets[DefaultBucketID]; !ok {
		p.Buckets[DefaultBucketID] = BucketProperties{}
	}
	for id, bp := range p.Buckets {
		if bp.TriggeringTopicPartitionsCount == 0 {
			bp.TriggeringTopicPartitionsCount = 1
		}
		if bp.TriggersFetchSize == 0 {
			bp.TriggersFetchSize = 1024
		}
		p.Buckets[id] = bp
	}
}
