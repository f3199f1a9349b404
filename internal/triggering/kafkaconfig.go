package triggering

import (
	"strings"
	"time"

	"github.com/IBM/sarama"

	"tasktriggerer/internal/config"
	"tasktriggerer/internal/logging"
)

// newKafkaConfig builds the sarama configuration shared by the producer and
// every bucket's consumer group: client id, bounded reconnect backoff, and
// the triggering.kafka.properties pass-through overrides.
func newKafkaConfig(props config.Properties) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = props.ClientID
	sc.Net.DialTimeout = 5 * time.Second
	sc.Metadata.Retry.BackoffFunc = func(retries, _ int) time.Duration {
		return reconnectBackoff(retries)
	}
	applyKafkaOverrides(sc, props.Triggering.Kafka.Properties)
	return sc
}

// reconnectBackoff doubles from 100ms up to a 5s ceiling.
func reconnectBackoff(retries int) time.Duration {
	if retries > 5 {
		return 5 * time.Second
	}
	d := 100 * time.Millisecond << uint(retries)
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// applyKafkaOverrides maps the flat pass-through properties onto the sarama
// config. Only the keys a deployment actually needs knobs for are understood;
// anything else is logged and skipped rather than silently dropped.
func applyKafkaOverrides(sc *sarama.Config, overrides map[string]string) {
	for key, value := range overrides {
		switch key {
		case "version":
			v, err := sarama.ParseKafkaVersion(value)
			if err != nil {
				logging.L().Warn("triggerer: bad kafka version override, keeping default", "value", value, "error", err)
				continue
			}
			sc.Version = v
		case "security.protocol":
			switch strings.ToUpper(value) {
			case "SSL":
				sc.Net.TLS.Enable = true
			case "SASL_SSL":
				sc.Net.TLS.Enable = true
				sc.Net.SASL.Enable = true
			case "SASL_PLAINTEXT":
				sc.Net.SASL.Enable = true
			case "PLAINTEXT":
			default:
				logging.L().Warn("triggerer: unknown security.protocol override", "value", value)
			}
		case "sasl.username":
			sc.Net.SASL.Enable = true
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
			sc.Net.SASL.User = value
		case "sasl.password":
			sc.Net.SASL.Enable = true
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
			sc.Net.SASL.Password = value
		default:
			logging.L().Warn("triggerer: unsupported kafka property override, ignoring", "key", key)
		}
	}
}
