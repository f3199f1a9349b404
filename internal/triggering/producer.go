package triggering

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/logging"
)

// Producer is the single idempotent producer shared by every Trigger call:
// acks=all, idempotence on, bounded linger and delivery timeouts, and a
// random non-null key so triggers fan out across partitions instead of
// sticking to one batch.
//
// sarama requires Net.MaxOpenRequests=1 whenever Producer.Idempotent is set,
// which caps per-partition throughput in exchange for no duplicate writes on
// retry.
type Producer struct {
	async    sarama.AsyncProducer
	throttle *logging.ErrorThrottler
	done     chan struct{}
}

// NewProducer dials brokers and starts the background goroutine that drains
// the producer's Successes/Errors channels.
func NewProducer(props config.Properties) (*Producer, error) {
	sc := newKafkaConfig(props)
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Producer.Retry.Max = 10
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Producer.Flush.Frequency = 5 * time.Millisecond // linger
	sc.Producer.Timeout = 10 * time.Second             // bounds a full delivery attempt
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Net.MaxOpenRequests = 1 // required by sarama whenever Idempotent is true

	async, err := sarama.NewAsyncProducer(brokerList(props), sc)
	if err != nil {
		return nil, fmt.Errorf("triggerer: producer dial: %w", err)
	}

	p := &Producer{
		async:    async,
		throttle: logging.NewErrorThrottler(100),
		done:     make(chan struct{}),
	}
	go p.drain()
	return p, nil
}

func brokerList(props config.Properties) []string {
	var out []string
	for _, b := range strings.Split(props.Triggering.Kafka.BootstrapServers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (p *Producer) drain() {
	for {
		select {
		case msg, ok := <-p.async.Successes():
			if !ok {
				return
			}
			logging.L().Debug("triggerer: produced", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		case err, ok := <-p.async.Errors():
			if !ok {
				return
			}
			if p.throttle.CanLogError() {
				logging.L().Error("triggerer: produce failed", "topic", err.Msg.Topic, "error", err.Err)
			}
		case <-p.done:
			return
		}
	}
}

// Send encodes a trigger message as JSON and hands it to the async producer.
// It does not wait for the broker ack; delivery failures surface only via
// the throttled error log in drain. A lost trigger is recovered by the
// periodic resurrection scan over the task store, not by the caller.
func (p *Producer) Send(topic string, t TriggerMessage) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("triggerer: encode trigger message: %w", err)
	}
	p.async.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(randomKey()),
		Value: sarama.ByteEncoder(body),
	}
	return nil
}

// Close stops the drain goroutine and closes the underlying producer,
// flushing any buffered messages first.
func (p *Producer) Close() error {
	close(p.done)
	return p.async.Close()
}
