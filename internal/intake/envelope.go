package intake

import (
	"context"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
)

// Record is one parsed intake record: either a raw session event or a
// session lifecycle notification. Exactly one field is set.
type Record struct {
	Event   *domain.SessionEvent
	Session *domain.SessionRecord
}

// Envelope wraps a record with acknowledgment callbacks
type Envelope struct {
	Record *Record
	ack    func(context.Context) error
	nack   func(context.Context) error
}

// NewEnvelope creates a new message envelope
func NewEnvelope(record *Record, ack, nack func(context.Context) error) *Envelope {
	return &Envelope{
		Record: record,
		ack:    ack,
		nack:   nack,
	}
}

// Ack acknowledges successful processing
func (e *Envelope) Ack(ctx context.Context) error {
	if e.ack != nil {
		return e.ack(ctx)
	}
	return nil
}

// Nack negatively acknowledges processing
func (e *Envelope) Nack(ctx context.Context) error {
	if e.nack != nil {
		return e.nack(ctx)
	}
	return nil
}
