package trust

import (
	"context"
	"time"

	"threatnet-coordinator/internal/model"
	"threatnet-coordinator/internal/util"
)

// Outcome is one acceptance signal from the aggregator for one reporter.
type Outcome struct {
	ClientID string
	Outcome  model.ReportOutcome
}

// OutcomeQueue decouples the aggregator from the trust manager: the
// aggregator pushes outcomes, the manager drains them. Neither holds a
// reference to the other.
type OutcomeQueue struct {
	ch chan Outcome
}

func NewOutcomeQueue(size int) *OutcomeQueue {
	if size <= 0 {
		size = 1024
	}
	return &OutcomeQueue{ch: make(chan Outcome, size)}
}

// Push enqueues an outcome. A full queue drops the event with a warning
// rather than stalling a submission; trust credits are best-effort.
func (q *OutcomeQueue) Push(clientID string, outcome model.ReportOutcome) {
	select {
	case q.ch <- Outcome{ClientID: clientID, Outcome: outcome}:
	default:
		util.Warn("trust outcome queue full, dropping event",
			util.String("client_id", clientID),
			util.String("outcome", string(outcome)),
		)
	}
}

const (
	outcomeAttempts = 3
	outcomeBackoff  = 100 * time.Millisecond
)

// Consume drains the queue until the context is canceled, applying each
// outcome with bounded retries. A persistently failing event is logged
// and dropped; it never blocks the queue.
func (m *Manager) Consume(ctx context.Context, q *OutcomeQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-q.ch:
			var err error
			for attempt := 1; attempt <= outcomeAttempts; attempt++ {
				if _, err = m.UpdateOnReport(ctx, out.ClientID, out.Outcome); err == nil {
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt) * outcomeBackoff):
				}
			}
			if err != nil {
				m.logger.Error("trust outcome dropped after retries",
					util.String("client_id", out.ClientID),
					util.String("outcome", string(out.Outcome)),
					util.ErrorField(err),
				)
			}
		}
	}
}
