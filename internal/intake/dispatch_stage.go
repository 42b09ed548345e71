package intake

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
)

// DispatchStage feeds parsed records through intake admission and
// settles the queue message accordingly. Accepted, duplicate, and
// rejected records are all acked: rejection is terminal and retrying
// would only produce the same verdict. Only transient routing
// failures leave the message for redelivery.
type DispatchStage struct {
	intake *Intake
	log    *zap.Logger
}

// NewDispatchStage creates a new dispatch stage
func NewDispatchStage(intake *Intake, log *zap.Logger) *DispatchStage {
	return &DispatchStage{
		intake: intake,
		log:    log,
	}
}

// Start begins dispatching envelopes until the input closes
func (d *DispatchStage) Start(ctx context.Context, in <-chan *Envelope) {
	for {
		select {
		case <-ctx.Done():
			d.log.Info("Dispatch stage shutting down")
			return
		case envelope, ok := <-in:
			if !ok {
				d.log.Info("Dispatch stage input channel closed")
				return
			}
			d.dispatch(ctx, envelope)
		}
	}
}

func (d *DispatchStage) dispatch(ctx context.Context, envelope *Envelope) {
	err := d.intake.Ingest(ctx, envelope.Record)
	if err == nil || terminal(err) {
		if err != nil {
			d.log.Debug("Record rejected", zap.Error(err))
		}
		if ackErr := envelope.Ack(ctx); ackErr != nil {
			d.log.Error("Failed to ack record", zap.Error(ackErr))
		}
		return
	}

	d.log.Warn("Failed to ingest record, leaving for redelivery", zap.Error(err))
	if nackErr := envelope.Nack(ctx); nackErr != nil {
		d.log.Error("Failed to nack record", zap.Error(nackErr))
	}
}

// terminal reports whether an ingest error can never succeed on retry
func terminal(err error) bool {
	return errors.Is(err, domain.ErrDuplicate) ||
		errors.Is(err, domain.ErrOrphanEvent) ||
		errors.Is(err, domain.ErrLateEvent) ||
		errors.Is(err, domain.ErrMalformed)
}
