package triggering

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
)

// isRetriableCommitError reports whether a commit failure is expected to
// clear on its own (a rebalance in flight, a coordinator that just moved) as
// opposed to something worth surfacing loudly. A rebalance-in-progress
// commit failure is routine noise; anything else gets logged and counted.
func isRetriableCommitError(err error) bool {
	if err == nil {
		return true
	}
	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrRebalanceInProgress,
			sarama.ErrReassignmentInProgress,
			sarama.ErrIllegalGeneration,
			sarama.ErrUnknownMemberId,
			sarama.ErrNotCoordinatorForConsumer,
			sarama.ErrOffsetsLoadInProgress,
			sarama.ErrRequestTimedOut,
			sarama.ErrNotEnoughReplicas,
			sarama.ErrNotEnoughReplicasAfterAppend:
			return true
		}
		return false
	}
	// Context cancellation and similar transport-level errors happen on
	// ordinary shutdown; never worth escalating.
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, sarama.ErrClosedClient) || errors.Is(err, sarama.ErrOutOfBrokers)
}
