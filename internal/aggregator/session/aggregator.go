// Package session maintains one rollup per session, incrementally,
// from deduplicated intake records. Sessions are sharded by session_id
// and each shard is a single-writer goroutine; finalized rollups are
// handed to the user tier through a per-shard outbox with at-least-once
// delivery.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/dimension"
	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/metrics"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository"
	"github.com/BarkinBalci/engagement-rollup-service/internal/shard"
)

// RollupSink receives finalized session rollups. Implementations must
// be idempotent on (user_id, session_id); emission is retried.
type RollupSink interface {
	Apply(ctx context.Context, rollup *domain.SessionRollup) error
}

// Config configures the session aggregator
type Config struct {
	Shards    int
	QueueSize int
	// GraceWindow defers finalization after a close notification so
	// out-of-order events can still land.
	GraceWindow time.Duration
	// PendingDimensionWait bounds how long a closed session waits for
	// its user's dimensions before finalizing with UNKNOWN.
	PendingDimensionWait time.Duration
	// PendingDimensionCap bounds how many sessions per shard may wait
	// on dimensions at once.
	PendingDimensionCap int
	EmitRetries         int
	// MaxSessionLifetime bounds how long event-only state may wait for
	// its session record before being discarded as orphaned.
	MaxSessionLifetime time.Duration
	// TickInterval drives grace and pending-dimension expiry scans.
	TickInterval time.Duration
}

// Aggregator is the session rollup tier
type Aggregator struct {
	shards  []*sessionShard
	config  Config
	log     *zap.Logger
	started atomic.Bool
}

type message struct {
	event   *domain.SessionEvent
	session *domain.SessionRecord

	get    string
	rollup chan *domain.SessionRollup

	collect chan []*repository.DeltaRecord

	// emitAcked confirms the outbox delivered this session's rollup.
	emitAcked string
}

type sessionState struct {
	rollup       domain.SessionRollup
	dedup        map[string]struct{}
	createdAt    time.Time
	startTime    int64
	endTime      int64
	closed       bool
	graceUntil   time.Time
	pendingSince time.Time
	finalized    bool
	emitQueued   bool
	emitAcked    bool
	dirty        bool
}

type sessionShard struct {
	id     int
	in     chan message
	outbox chan *domain.SessionRollup
	// replay holds finalized rollups recovered from the delta log whose
	// user-tier delivery was not yet durable at shutdown; the emitter
	// drains it before live traffic.
	replay     []*domain.SessionRollup
	states     map[string]*sessionState
	dims       *dimension.Cache
	sink       RollupSink
	config     Config
	dirtyCount atomic.Int64
	now        func() time.Time
	log        *zap.Logger
}

// NewAggregator creates a new session aggregator
func NewAggregator(config Config, dims *dimension.Cache, sink RollupSink, log *zap.Logger) (*Aggregator, error) {
	if config.Shards <= 0 {
		return nil, fmt.Errorf("session aggregator needs at least one shard, got %d", config.Shards)
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.MaxSessionLifetime <= 0 {
		config.MaxSessionLifetime = 24 * time.Hour
	}

	a := &Aggregator{
		config: config,
		log:    log,
		shards: make([]*sessionShard, config.Shards),
	}

	for i := range a.shards {
		a.shards[i] = &sessionShard{
			id:     i,
			in:     make(chan message, config.QueueSize),
			outbox: make(chan *domain.SessionRollup, config.QueueSize),
			states: make(map[string]*sessionState),
			dims:   dims,
			sink:   sink,
			config: config,
			now:    time.Now,
			log:    log.With(zap.Int("session_shard", i)),
		}
	}

	return a, nil
}

// RollupType returns the delta log type this tier produces
func (a *Aggregator) RollupType() string {
	return repository.RollupTypeSession
}

// ShardCount returns the number of shards
func (a *Aggregator) ShardCount() int {
	return len(a.shards)
}

// Start launches the shard loops and their emitters
func (a *Aggregator) Start(ctx context.Context) {
	a.started.Store(true)

	var wg sync.WaitGroup
	wg.Add(len(a.shards) * 2)
	for _, s := range a.shards {
		go func(s *sessionShard) {
			defer wg.Done()
			s.run(ctx)
		}(s)
		go func(s *sessionShard) {
			defer wg.Done()
			s.emitLoop(ctx)
		}(s)
	}
	wg.Wait()
}

// RouteEvent delivers an accepted event to its owning shard. Blocks
// when the shard queue is full; intake relies on that for back-pressure.
func (a *Aggregator) RouteEvent(ctx context.Context, event *domain.SessionEvent) error {
	s := a.shards[shard.Index(event.SessionID, len(a.shards))]
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.in <- message{event: event}:
		return nil
	}
}

// RouteSession delivers a session lifecycle record to its owning shard
func (a *Aggregator) RouteSession(ctx context.Context, record *domain.SessionRecord) error {
	s := a.shards[shard.Index(record.SessionID, len(a.shards))]
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.in <- message{session: record}:
		return nil
	}
}

// Get returns a copy of the in-memory rollup for a session, if resident
func (a *Aggregator) Get(ctx context.Context, sessionID string) (*domain.SessionRollup, error) {
	s := a.shards[shard.Index(sessionID, len(a.shards))]

	msg := message{get: sessionID, rollup: make(chan *domain.SessionRollup, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s.in <- msg:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rollup := <-msg.rollup:
		if rollup == nil {
			return nil, domain.ErrNotFound
		}
		return rollup, nil
	}
}

// CollectDeltas drains a shard's dirty rollups into delta records.
// Finalized rollups that have been both collected and delivered to the
// user tier are evicted from memory afterwards.
func (a *Aggregator) CollectDeltas(ctx context.Context, shardID int) ([]*repository.DeltaRecord, error) {
	s := a.shards[shardID]

	msg := message{collect: make(chan []*repository.DeltaRecord, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s.in <- msg:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case deltas := <-msg.collect:
		return deltas, nil
	}
}

// Unflushed returns the number of dirty rollups on a shard
func (a *Aggregator) Unflushed(shardID int) int {
	return int(a.shards[shardID].dirtyCount.Load())
}

// Seed restores sessions from replayed deltas. Open sessions are
// rebuilt in shard state; finalized sessions are queued for re-emission
// to the user tier, whose dedup ledger absorbs the ones already covered
// by a durable user delta. Only valid before Start.
func (a *Aggregator) Seed(deltas []*repository.DeltaRecord) error {
	if a.started.Load() {
		return fmt.Errorf("cannot seed session aggregator after start")
	}

	for _, delta := range deltas {
		payload, err := repository.DecodeSessionDelta(delta.Payload)
		if err != nil {
			return err
		}

		s := a.shards[shard.Index(payload.Rollup.SessionID, len(a.shards))]

		if payload.Rollup.Finalized {
			// An earlier open delta for the same session may already have
			// seeded state; the finalized delta supersedes it.
			delete(s.states, payload.Rollup.SessionID)
			copied := payload.Rollup
			s.replay = append(s.replay, &copied)
			continue
		}

		existing, ok := s.states[payload.Rollup.SessionID]
		if ok && existing.rollup.Version >= payload.Rollup.Version {
			continue
		}

		state := &sessionState{
			rollup:    payload.Rollup,
			dedup:     make(map[string]struct{}, len(payload.DedupKeys)),
			createdAt: time.Now(),
			startTime: payload.StartTime,
			endTime:   payload.EndTime,
		}
		if payload.EndTime != 0 {
			state.closed = true
			state.graceUntil = time.Now().Add(a.config.GraceWindow)
		}
		for _, key := range payload.DedupKeys {
			state.dedup[key] = struct{}{}
		}
		s.states[payload.Rollup.SessionID] = state
	}

	return nil
}

func (s *sessionShard) run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Session shard shutting down")
			return
		case msg := <-s.in:
			s.handle(msg)
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *sessionShard) handle(msg message) {
	switch {
	case msg.event != nil:
		s.applyEvent(msg.event)
	case msg.session != nil:
		s.applySession(msg.session)
	case msg.get != "":
		if state, ok := s.states[msg.get]; ok {
			copied := state.rollup
			msg.rollup <- &copied
		} else {
			msg.rollup <- nil
		}
	case msg.collect != nil:
		msg.collect <- s.collect()
	case msg.emitAcked != "":
		if state, ok := s.states[msg.emitAcked]; ok {
			state.emitAcked = true
		}
	}
}

func (s *sessionShard) applyEvent(event *domain.SessionEvent) {
	state := s.getOrCreate(event.SessionID)

	if state.finalized {
		// Intake filters late events by grace deadline; anything that
		// races past that check lands here and is still counted.
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonLate).Inc()
		return
	}

	if _, seen := state.dedup[event.DedupKey]; seen {
		return
	}
	state.dedup[event.DedupKey] = struct{}{}

	state.rollup.TotalEvents++
	if event.EventType == domain.EventTypeClick {
		state.rollup.ClickCount++
	}
	s.markDirty(state)

	lag := s.now().Unix() - event.Timestamp
	if lag >= 0 {
		metrics.IngestionLagSeconds.WithLabelValues(shardLabel(s.id)).Set(float64(lag))
	}
}

func (s *sessionShard) applySession(record *domain.SessionRecord) {
	state := s.getOrCreate(record.SessionID)

	if state.finalized {
		metrics.RecordsRejected.WithLabelValues(metrics.ReasonLate).Inc()
		return
	}

	if record.UserID != "" {
		state.rollup.UserID = record.UserID
	}
	if record.StartTime != 0 {
		state.startTime = record.StartTime
	}

	if record.Closed() && !state.closed {
		state.closed = true
		state.endTime = record.EndTime
		state.graceUntil = s.now().Add(s.config.GraceWindow)
	}
	s.markDirty(state)
}

// expire finalizes sessions whose grace window has elapsed, holding
// those still waiting on an unresolved dimension up to the pending
// bound.
func (s *sessionShard) expire() {
	now := s.now()
	pending := 0
	for _, state := range s.states {
		if !state.pendingSince.IsZero() && !state.finalized {
			pending++
		}
	}

	for sessionID, state := range s.states {
		if state.finalized {
			if !state.emitQueued {
				s.enqueueEmit(sessionID, state)
			}
			continue
		}
		if !state.closed {
			// startTime is only ever set by a session record; event-only
			// state whose record never arrives inside the session
			// lifetime is orphaned and must not live on as a rollup.
			if state.startTime == 0 && now.Sub(state.createdAt) >= s.config.MaxSessionLifetime {
				metrics.RecordsRejected.WithLabelValues(metrics.ReasonOrphan).Inc()
				s.log.Warn("Discarding orphaned session state",
					zap.String("session_id", sessionID),
					zap.Uint64("total_events", state.rollup.TotalEvents))
				s.discard(sessionID, state)
			}
			continue
		}
		if now.Before(state.graceUntil) {
			continue
		}

		dim, ok := s.dims.Lookup(state.rollup.UserID)
		if ok {
			s.finalize(sessionID, state, dim.Region, dim.AccountType)
			continue
		}

		if state.pendingSince.IsZero() {
			if pending >= s.config.PendingDimensionCap {
				s.log.Warn("Pending-dimension buffer full, finalizing with unknown attributes",
					zap.String("session_id", sessionID))
				s.finalizeUnknown(sessionID, state)
				continue
			}
			state.pendingSince = now
			pending++
			continue
		}

		if now.Sub(state.pendingSince) >= s.config.PendingDimensionWait {
			s.finalizeUnknown(sessionID, state)
		}
	}
}

func (s *sessionShard) finalizeUnknown(sessionID string, state *sessionState) {
	metrics.SessionsUnknownDimension.Inc()
	s.log.Warn("Finalizing session with unresolved dimensions",
		zap.String("session_id", sessionID),
		zap.String("user_id", state.rollup.UserID))
	s.finalize(sessionID, state, domain.DimensionUnknown, domain.DimensionUnknown)
}

func (s *sessionShard) finalize(sessionID string, state *sessionState, region, accountType string) {
	state.rollup.SessionDuration = state.endTime - state.startTime
	if state.rollup.SessionDuration < 0 {
		state.rollup.SessionDuration = 0
	}
	state.rollup.Region = region
	state.rollup.AccountType = accountType
	state.rollup.Finalized = true
	state.finalized = true
	s.markDirty(state)

	metrics.SessionsFinalized.Inc()
	s.enqueueEmit(sessionID, state)
}

// enqueueEmit hands a finalized rollup to the emitter without blocking
// the shard loop. A full outbox is retried on the next expire pass.
func (s *sessionShard) enqueueEmit(sessionID string, state *sessionState) {
	copied := state.rollup
	select {
	case s.outbox <- &copied:
		state.emitQueued = true
	default:
		s.log.Warn("Emit outbox full, deferring emission",
			zap.String("session_id", sessionID))
	}
}

// emitLoop delivers finalized rollups to the user tier with retries.
// Delivery is at-least-once; the user tier dedups by session_id.
// Recovered finalized rollups are replayed before live traffic.
func (s *sessionShard) emitLoop(ctx context.Context) {
	for _, rollup := range s.replay {
		s.deliver(ctx, rollup)
		if ctx.Err() != nil {
			return
		}
	}
	s.replay = nil

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Session emitter shutting down")
			return
		case rollup := <-s.outbox:
			s.deliver(ctx, rollup)
		}
	}
}

func (s *sessionShard) deliver(ctx context.Context, rollup *domain.SessionRollup) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.config.EmitRetries)), ctx)

	err := backoff.Retry(func() error {
		return s.sink.Apply(ctx, rollup)
	}, policy)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("Failed to emit finalized rollup, requeueing",
			zap.String("session_id", rollup.SessionID),
			zap.Error(err))
		select {
		case s.outbox <- rollup:
		case <-ctx.Done():
		}
		return
	}

	select {
	case s.in <- message{emitAcked: rollup.SessionID}:
	case <-ctx.Done():
	}
}

func (s *sessionShard) getOrCreate(sessionID string) *sessionState {
	state, ok := s.states[sessionID]
	if !ok {
		state = &sessionState{
			rollup:    domain.SessionRollup{SessionID: sessionID},
			dedup:     make(map[string]struct{}),
			createdAt: s.now(),
		}
		s.states[sessionID] = state
	}
	return state
}

// discard drops session state without finalizing it, keeping the dirty
// accounting consistent.
func (s *sessionShard) discard(sessionID string, state *sessionState) {
	if state.dirty {
		state.dirty = false
		s.dirtyCount.Add(-1)
		metrics.UnflushedRollups.WithLabelValues(shardLabel(s.id), repository.RollupTypeSession).Set(float64(s.dirtyCount.Load()))
	}
	delete(s.states, sessionID)
}

func (s *sessionShard) markDirty(state *sessionState) {
	state.rollup.Version = uint64(s.now().UnixNano())
	if !state.dirty {
		state.dirty = true
		s.dirtyCount.Add(1)
		metrics.UnflushedRollups.WithLabelValues(shardLabel(s.id), repository.RollupTypeSession).Set(float64(s.dirtyCount.Load()))
	}
}

func (s *sessionShard) collect() []*repository.DeltaRecord {
	var deltas []*repository.DeltaRecord

	for sessionID, state := range s.states {
		if !state.dirty {
			if state.finalized && state.emitAcked {
				delete(s.states, sessionID)
			}
			continue
		}

		payload := &repository.SessionDeltaPayload{Rollup: state.rollup}
		if !state.finalized {
			payload.StartTime = state.startTime
			payload.EndTime = state.endTime
			payload.DedupKeys = make([]string, 0, len(state.dedup))
			for key := range state.dedup {
				payload.DedupKeys = append(payload.DedupKeys, key)
			}
		}

		encoded, err := repository.EncodeSessionDelta(payload)
		if err != nil {
			s.log.Error("Failed to encode session delta",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}

		deltas = append(deltas, &repository.DeltaRecord{
			ShardID:    uint32(s.id),
			RollupType: repository.RollupTypeSession,
			Key:        sessionID,
			Payload:    encoded,
			Version:    state.rollup.Version,
		})
		state.dirty = false
	}

	s.dirtyCount.Store(0)
	metrics.UnflushedRollups.WithLabelValues(shardLabel(s.id), repository.RollupTypeSession).Set(0)

	return deltas
}

func shardLabel(id int) string {
	return fmt.Sprintf("%d", id)
}
