// Package user maintains one rollup per user over finalized session
// rollups. State is sharded by user_id; each shard is owned by a
// single goroutine, so rollup mutation needs no locks.
package user

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/metrics"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository"
	"github.com/BarkinBalci/engagement-rollup-service/internal/shard"
)

// Config configures the user rollup aggregator
type Config struct {
	Shards     int
	QueueSize  int
	LedgerSize int
	// LedgerTTL is the idempotence window. Evicting a ledger entry
	// younger than this degrades dedup to at-least-once for that key
	// and is surfaced as a correctness-risk metric.
	LedgerTTL time.Duration
}

// Aggregator is the user rollup tier
type Aggregator struct {
	shards  []*userShard
	config  Config
	log     *zap.Logger
	started atomic.Bool
}

type message struct {
	apply   *domain.SessionRollup
	applied chan error

	get      string
	rollup   chan *domain.UserRollup
	snapshot chan []*domain.UserRollup
	collect  chan []*repository.DeltaRecord
}

type userShard struct {
	id      int
	in      chan message
	rollups map[string]*domain.UserRollup
	ledger  *lru.Cache[string, int64]
	// dirty maps user_id to the sessions applied since the last
	// collect; one delta per dirty user is emitted on flush.
	dirty      map[string][]string
	dirtyCount atomic.Int64
	log        *zap.Logger
}

// NewAggregator creates a new user rollup aggregator
func NewAggregator(config Config, log *zap.Logger) (*Aggregator, error) {
	if config.Shards <= 0 {
		return nil, fmt.Errorf("user aggregator needs at least one shard, got %d", config.Shards)
	}

	a := &Aggregator{
		config: config,
		log:    log,
		shards: make([]*userShard, config.Shards),
	}

	for i := range a.shards {
		s := &userShard{
			id:      i,
			in:      make(chan message, config.QueueSize),
			rollups: make(map[string]*domain.UserRollup),
			dirty:   make(map[string][]string),
			log:     log.With(zap.Int("user_shard", i)),
		}

		ttl := config.LedgerTTL
		ledger, err := lru.NewWithEvict[string, int64](config.LedgerSize, func(key string, appliedAt int64) {
			if time.Since(time.Unix(appliedAt, 0)) < ttl {
				metrics.LedgerRiskEvictions.Inc()
				s.log.Warn("Dedup ledger evicted entry inside idempotence window",
					zap.String("ledger_key", key))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create dedup ledger: %w", err)
		}
		s.ledger = ledger
		a.shards[i] = s
	}

	return a, nil
}

// RollupType returns the delta log type this tier produces
func (a *Aggregator) RollupType() string {
	return repository.RollupTypeUser
}

// ShardCount returns the number of shards
func (a *Aggregator) ShardCount() int {
	return len(a.shards)
}

// Start launches the shard loops
func (a *Aggregator) Start(ctx context.Context) {
	a.started.Store(true)

	var wg sync.WaitGroup
	wg.Add(len(a.shards))
	for _, s := range a.shards {
		go func(s *userShard) {
			defer wg.Done()
			s.run(ctx)
		}(s)
	}
	wg.Wait()
}

// Apply admits a finalized session rollup. Free-tier and unknown
// account types are skipped; re-applying an already-applied
// (user_id, session_id) pair is a no-op. Safe to retry.
func (a *Aggregator) Apply(ctx context.Context, rollup *domain.SessionRollup) error {
	s := a.shards[shard.Index(rollup.UserID, len(a.shards))]

	msg := message{apply: rollup, applied: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.in <- msg:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-msg.applied:
		return err
	}
}

// Get returns a copy of the in-memory rollup for a user, if resident
func (a *Aggregator) Get(ctx context.Context, userID string) (*domain.UserRollup, error) {
	s := a.shards[shard.Index(userID, len(a.shards))]

	msg := message{get: userID, rollup: make(chan *domain.UserRollup, 1)}
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

// Snapshot returns copies of every resident rollup across all shards.
// The query facade overlays these on the stored snapshot so reads see
// unflushed state.
func (a *Aggregator) Snapshot(ctx context.Context) ([]*domain.UserRollup, error) {
	var all []*domain.UserRollup
	for _, s := range a.shards {
		msg := message{snapshot: make(chan []*domain.UserRollup, 1)}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s.in <- msg:
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case rollups := <-msg.snapshot:
			all = append(all, rollups...)
		}
	}
	return all, nil
}

// CollectDeltas drains a shard's dirty set into delta records
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

// Seed restores shard state from replayed deltas. Only valid before
// Start; recovery runs single-threaded against the shard maps.
func (a *Aggregator) Seed(deltas []*repository.DeltaRecord) error {
	if a.started.Load() {
		return fmt.Errorf("cannot seed user aggregator after start")
	}

	for _, delta := range deltas {
		payload, err := repository.DecodeUserDelta(delta.Payload)
		if err != nil {
			return err
		}

		s := a.shards[shard.Index(payload.Rollup.UserID, len(a.shards))]
		existing, ok := s.rollups[payload.Rollup.UserID]
		if !ok || payload.Rollup.Version > existing.Version {
			rollup := payload.Rollup
			s.rollups[rollup.UserID] = &rollup
		}
		for _, sessionID := range payload.AppliedSessions {
			s.ledger.Add(ledgerKey(payload.Rollup.UserID, sessionID), time.Now().Unix())
		}
	}

	return nil
}

func (s *userShard) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.log.Info("User shard shutting down")
			return
		case msg := <-s.in:
			s.handle(msg)
		}
	}
}

func (s *userShard) handle(msg message) {
	switch {
	case msg.apply != nil:
		msg.applied <- s.apply(msg.apply)
	case msg.get != "":
		if rollup, ok := s.rollups[msg.get]; ok {
			copied := *rollup
			msg.rollup <- &copied
		} else {
			msg.rollup <- nil
		}
	case msg.snapshot != nil:
		rollups := make([]*domain.UserRollup, 0, len(s.rollups))
		for _, rollup := range s.rollups {
			copied := *rollup
			rollups = append(rollups, &copied)
		}
		msg.snapshot <- rollups
	case msg.collect != nil:
		msg.collect <- s.collect()
	}
}

func (s *userShard) apply(rollup *domain.SessionRollup) error {
	if !rollup.Qualifies() {
		return nil
	}

	key := ledgerKey(rollup.UserID, rollup.SessionID)
	if _, applied := s.ledger.Get(key); applied {
		return nil
	}

	existing, ok := s.rollups[rollup.UserID]
	if !ok {
		existing = &domain.UserRollup{UserID: rollup.UserID}
		s.rollups[rollup.UserID] = existing
	}

	existing.SessionCount++
	existing.SumSessionDuration += rollup.SessionDuration
	existing.SumTotalEvents += rollup.TotalEvents
	existing.SumClickCount += rollup.ClickCount
	// Last applied session wins; the source views assume a user's
	// region is stable, this makes the policy explicit.
	existing.Region = rollup.Region
	existing.Version = uint64(time.Now().UnixNano())

	s.ledger.Add(key, time.Now().Unix())

	if _, wasDirty := s.dirty[rollup.UserID]; !wasDirty {
		s.dirtyCount.Add(1)
	}
	s.dirty[rollup.UserID] = append(s.dirty[rollup.UserID], rollup.SessionID)
	metrics.UnflushedRollups.WithLabelValues(shardLabel(s.id), repository.RollupTypeUser).Set(float64(s.dirtyCount.Load()))

	return nil
}

func (s *userShard) collect() []*repository.DeltaRecord {
	if len(s.dirty) == 0 {
		return nil
	}

	deltas := make([]*repository.DeltaRecord, 0, len(s.dirty))
	for userID, sessions := range s.dirty {
		rollup, ok := s.rollups[userID]
		if !ok {
			continue
		}
		payload, err := repository.EncodeUserDelta(&repository.UserDeltaPayload{
			Rollup:          *rollup,
			AppliedSessions: sessions,
		})
		if err != nil {
			s.log.Error("Failed to encode user delta", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		deltas = append(deltas, &repository.DeltaRecord{
			ShardID:    uint32(s.id),
			RollupType: repository.RollupTypeUser,
			Key:        userID,
			Payload:    payload,
			Version:    rollup.Version,
		})
	}

	s.dirty = make(map[string][]string)
	s.dirtyCount.Store(0)
	metrics.UnflushedRollups.WithLabelValues(shardLabel(s.id), repository.RollupTypeUser).Set(0)

	return deltas
}

func ledgerKey(userID, sessionID string) string {
	return userID + "|" + sessionID
}

func shardLabel(id int) string {
	return fmt.Sprintf("%d", id)
}
