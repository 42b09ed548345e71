package intake

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/metrics"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository"
	"github.com/BarkinBalci/engagement-rollup-service/internal/shard"
)

// Router delivers accepted records to their owning session shard
type Router interface {
	RouteEvent(ctx context.Context, event *domain.SessionEvent) error
	RouteSession(ctx context.Context, record *domain.SessionRecord) error
	ShardCount() int
}

// Backpressure reports shards whose flush has fallen behind; intake
// stops admitting records for a degraded shard until it recovers.
type Backpressure interface {
	Degraded(rollupType string, shardID int) bool
}

// Config configures intake admission control
type Config struct {
	// DedupWindowSize bounds the recent dedup_key set.
	DedupWindowSize int
	// SessionWindowSize bounds the session status window. Sessions are
	// assumed to close within MaxSessionLifetime, so the window only
	// needs to cover sessions active inside that horizon.
	SessionWindowSize  int
	MaxSessionLifetime time.Duration
	GraceWindow        time.Duration
	// BackpressureWait is the poll interval while a shard is degraded.
	BackpressureWait time.Duration
}

// sessionStatus tracks what intake knows about a session's lifecycle.
// closedAt is zero while the session is open.
type sessionStatus struct {
	closedAt time.Time
}

// Intake validates, deduplicates, and routes incoming records
type Intake struct {
	config   Config
	dedup    *lru.Cache[string, struct{}]
	sessions *lru.Cache[string, *sessionStatus]
	router   Router
	pressure Backpressure
	now      func() time.Time
	log      *zap.Logger
}

// NewIntake creates a new intake
func NewIntake(config Config, router Router, pressure Backpressure, log *zap.Logger) (*Intake, error) {
	if config.BackpressureWait <= 0 {
		config.BackpressureWait = 100 * time.Millisecond
	}

	dedup, err := lru.New[string, struct{}](config.DedupWindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup window: %w", err)
	}
	sessions, err := lru.New[string, *sessionStatus](config.SessionWindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session window: %w", err)
	}

	return &Intake{
		config:   config,
		dedup:    dedup,
		sessions: sessions,
		router:   router,
		pressure: pressure,
		now:      time.Now,
		log:      log,
	}, nil
}

// Ingest admits a single record. A nil return means accepted and
// routed; rejection reasons are sentinel errors from the domain
// package and are all terminal for the record.
func (i *Intake) Ingest(ctx context.Context, record *Record) error {
	switch {
	case record.Event != nil:
		return i.ingestEvent(ctx, record.Event)
	case record.Session != nil:
		return i.ingestSession(ctx, record.Session)
	default:
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonMalformed).Inc()
		return fmt.Errorf("%w: empty record", domain.ErrMalformed)
	}
}

func (i *Intake) ingestEvent(ctx context.Context, event *domain.SessionEvent) error {
	if event.SessionID == "" || event.DedupKey == "" || event.Timestamp <= 0 {
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonMalformed).Inc()
		return fmt.Errorf("%w: event missing session_id, dedup_key, or timestamp", domain.ErrMalformed)
	}

	if i.dedup.Contains(event.DedupKey) {
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonDuplicate).Inc()
		return fmt.Errorf("%w: dedup_key %s", domain.ErrDuplicate, event.DedupKey)
	}

	now := i.now()
	if status, ok := i.sessions.Get(event.SessionID); ok {
		if !status.closedAt.IsZero() && now.After(status.closedAt.Add(i.config.GraceWindow)) {
			metrics.RecordsRejected.WithLabelValues(metrics.ReasonLate).Inc()
			i.log.Debug("Rejecting late event",
				zap.String("session_id", event.SessionID),
				zap.String("dedup_key", event.DedupKey))
			return fmt.Errorf("%w: session %s already finalized", domain.ErrLateEvent, event.SessionID)
		}
	} else if now.Unix()-event.Timestamp > int64(i.config.MaxSessionLifetime.Seconds()) {
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonOrphan).Inc()
		i.log.Debug("Rejecting orphan event",
			zap.String("session_id", event.SessionID),
			zap.Int64("timestamp", event.Timestamp))
		return fmt.Errorf("%w: session %s has no open session inside the lifetime window", domain.ErrOrphanEvent, event.SessionID)
	}

	if err := i.waitForCapacity(ctx, event.SessionID); err != nil {
		return err
	}
	if err := i.router.RouteEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to route event: %w", err)
	}

	// Added only after a successful route so a redelivery of a record
	// that never reached its shard is not mistaken for a duplicate.
	i.dedup.Add(event.DedupKey, struct{}{})
	metrics.RecordsAccepted.Inc()

	return nil
}

func (i *Intake) ingestSession(ctx context.Context, record *domain.SessionRecord) error {
	if record.SessionID == "" || record.UserID == "" || record.StartTime <= 0 {
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonMalformed).Inc()
		return fmt.Errorf("%w: session record missing session_id, user_id, or start_time", domain.ErrMalformed)
	}
	if record.Closed() && record.EndTime < record.StartTime {
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonMalformed).Inc()
		return fmt.Errorf("%w: session %s end_time before start_time", domain.ErrMalformed, record.SessionID)
	}

	now := i.now()
	status, ok := i.sessions.Get(record.SessionID)
	if !ok {
		status = &sessionStatus{}
		i.sessions.Add(record.SessionID, status)
	}

	if !status.closedAt.IsZero() && now.After(status.closedAt.Add(i.config.GraceWindow)) {
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonLate).Inc()
		return fmt.Errorf("%w: session %s already finalized", domain.ErrLateEvent, record.SessionID)
	}

	if record.Closed() && status.closedAt.IsZero() {
		status.closedAt = now
	}

	if err := i.waitForCapacity(ctx, record.SessionID); err != nil {
		return err
	}
	if err := i.router.RouteSession(ctx, record); err != nil {
		return fmt.Errorf("failed to route session record: %w", err)
	}

	metrics.RecordsAccepted.Inc()
	return nil
}

// waitForCapacity blocks while the owning shard's flush is degraded.
// The wait is bounded by the caller's context; stalled messages are
// nacked and redelivered by the queue.
func (i *Intake) waitForCapacity(ctx context.Context, sessionID string) error {
	if i.pressure == nil {
		return nil
	}

	shardID := shard.Index(sessionID, i.router.ShardCount())
	for i.pressure.Degraded(repository.RollupTypeSession, shardID) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.config.BackpressureWait):
		}
	}
	return nil
}
