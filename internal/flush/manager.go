// Package flush persists in-memory rollup state to durable storage in
// append-then-compact style: each cycle writes one delta row per
// changed rollup, and a background compactor folds deltas into the
// snapshot tables to bound read amplification.
package flush

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/metrics"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository"
)

// Source is a sharded aggregator tier whose dirty rollups the manager
// drains into the delta log.
type Source interface {
	RollupType() string
	ShardCount() int
	CollectDeltas(ctx context.Context, shardID int) ([]*repository.DeltaRecord, error)
	Unflushed(shardID int) int
	Seed(deltas []*repository.DeltaRecord) error
}

// Config configures the flush manager
type Config struct {
	Interval time.Duration
	// DirtyThreshold forces an out-of-cycle flush when a shard's dirty
	// rollup count exceeds it.
	DirtyThreshold int
	// RetryBudget bounds flush retries before the shard is marked
	// degraded and intake back-pressures it.
	RetryBudget     int
	CompactInterval time.Duration
}

// ShardStatus reports one shard's flush health for the lag endpoint
type ShardStatus struct {
	RollupType string `json:"rollup_type"`
	ShardID    int    `json:"shard_id"`
	Unflushed  int    `json:"unflushed"`
	Degraded   bool   `json:"degraded"`
}

type shardTracker struct {
	degraded    atomic.Bool
	lastFlushed atomic.Uint64
}

// Manager schedules per-shard flushes and background compaction
type Manager struct {
	store    repository.RollupStore
	sources  []Source
	config   Config
	trackers map[string][]*shardTracker
	log      *zap.Logger
}

// NewManager creates a new flush manager over the given sources
func NewManager(store repository.RollupStore, sources []Source, config Config, log *zap.Logger) *Manager {
	trackers := make(map[string][]*shardTracker, len(sources))
	for _, source := range sources {
		shards := make([]*shardTracker, source.ShardCount())
		for i := range shards {
			shards[i] = &shardTracker{}
		}
		trackers[source.RollupType()] = shards
	}

	return &Manager{
		store:    store,
		sources:  sources,
		config:   config,
		trackers: trackers,
		log:      log,
	}
}

// Recover replays deltas above each shard's compaction watermark back
// into the aggregators. Must run before the aggregators start; replay
// goes through the same state as live traffic, so the dedup ledger
// keeps it idempotent.
func (m *Manager) Recover(ctx context.Context) error {
	for _, source := range m.sources {
		rollupType := source.RollupType()
		for shardID := 0; shardID < source.ShardCount(); shardID++ {
			watermark, err := m.store.Watermark(ctx, uint32(shardID), rollupType)
			if err != nil {
				return fmt.Errorf("failed to read watermark for %s shard %d: %w", rollupType, shardID, err)
			}

			deltas, err := m.store.DeltasSince(ctx, uint32(shardID), rollupType, watermark)
			if err != nil {
				return fmt.Errorf("failed to read deltas for %s shard %d: %w", rollupType, shardID, err)
			}
			if len(deltas) == 0 {
				continue
			}

			if err := source.Seed(deltas); err != nil {
				return fmt.Errorf("failed to seed %s shard %d: %w", rollupType, shardID, err)
			}

			highest := deltas[len(deltas)-1].Version
			m.trackers[rollupType][shardID].lastFlushed.Store(highest)

			m.log.Info("Recovered unflushed deltas",
				zap.String("rollup_type", rollupType),
				zap.Int("shard_id", shardID),
				zap.Int("delta_count", len(deltas)),
				zap.Uint64("watermark", watermark))
		}
	}

	return nil
}

// Start launches per-shard flush loops and the compactor, blocking
// until the context is canceled.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for _, source := range m.sources {
		for shardID := 0; shardID < source.ShardCount(); shardID++ {
			wg.Add(1)
			go func(source Source, shardID int) {
				defer wg.Done()
				m.flushLoop(ctx, source, shardID)
			}(source, shardID)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.compactLoop(ctx)
	}()

	wg.Wait()
}

// Degraded reports whether a shard's flush has exhausted its retry
// budget. Intake consults this for back-pressure.
func (m *Manager) Degraded(rollupType string, shardID int) bool {
	shards, ok := m.trackers[rollupType]
	if !ok || shardID < 0 || shardID >= len(shards) {
		return false
	}
	return shards[shardID].degraded.Load()
}

// Status reports flush health across all shards
func (m *Manager) Status() []ShardStatus {
	var statuses []ShardStatus
	for _, source := range m.sources {
		rollupType := source.RollupType()
		for shardID := 0; shardID < source.ShardCount(); shardID++ {
			statuses = append(statuses, ShardStatus{
				RollupType: rollupType,
				ShardID:    shardID,
				Unflushed:  source.Unflushed(shardID),
				Degraded:   m.trackers[rollupType][shardID].degraded.Load(),
			})
		}
	}
	return statuses
}

func (m *Manager) flushLoop(ctx context.Context, source Source, shardID int) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// sizeTicker polls the dirty count between scheduled flushes so a
	// hot shard does not wait out the full interval.
	sizeTicker := time.NewTicker(time.Second)
	defer sizeTicker.Stop()

	// backlog holds deltas already collected from the shard but not
	// yet durably written; they must not be lost across failed cycles.
	var backlog []*repository.DeltaRecord

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Flush loop shutting down",
				zap.String("rollup_type", source.RollupType()),
				zap.Int("shard_id", shardID))
			m.finalFlush(source, shardID, backlog)
			return
		case <-ticker.C:
			backlog = m.flushOnce(ctx, source, shardID, backlog)
		case <-sizeTicker.C:
			if source.Unflushed(shardID) >= m.config.DirtyThreshold {
				m.log.Info("Dirty threshold reached, forcing flush",
					zap.String("rollup_type", source.RollupType()),
					zap.Int("shard_id", shardID),
					zap.Int("unflushed", source.Unflushed(shardID)))
				backlog = m.flushOnce(ctx, source, shardID, backlog)
				ticker.Reset(m.config.Interval)
			}
		}
	}
}

// flushOnce drains the shard and writes backlog plus fresh deltas in
// one batch. Returns the new backlog: empty on success, everything
// collected so far on failure.
func (m *Manager) flushOnce(ctx context.Context, source Source, shardID int, backlog []*repository.DeltaRecord) []*repository.DeltaRecord {
	tracker := m.trackers[source.RollupType()][shardID]

	fresh, err := source.CollectDeltas(ctx, shardID)
	if err != nil {
		m.log.Error("Failed to collect deltas", zap.Error(err))
		return backlog
	}

	deltas := append(backlog, fresh...)
	if len(deltas) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.config.RetryBudget)), ctx)

	err = backoff.RetryNotify(func() error {
		_, insertErr := m.store.InsertDeltas(ctx, deltas)
		return insertErr
	}, policy, func(err error, next time.Duration) {
		metrics.FlushRetries.Inc()
		m.log.Warn("Flush attempt failed, retrying",
			zap.String("batch_id", batchID),
			zap.Duration("next_attempt_in", next),
			zap.Error(err))
	})

	if err != nil {
		tracker.degraded.Store(true)
		metrics.SlowFlushAlarms.WithLabelValues(fmt.Sprintf("%d", shardID)).Inc()
		m.log.Error("Flush retry budget exhausted, shard degraded",
			zap.String("rollup_type", source.RollupType()),
			zap.Int("shard_id", shardID),
			zap.String("batch_id", batchID),
			zap.Error(err))
		return deltas
	}

	if tracker.degraded.Swap(false) {
		m.log.Info("Shard flush recovered",
			zap.String("rollup_type", source.RollupType()),
			zap.Int("shard_id", shardID))
	}

	highest := tracker.lastFlushed.Load()
	for _, delta := range deltas {
		if delta.Version > highest {
			highest = delta.Version
		}
	}
	tracker.lastFlushed.Store(highest)

	m.log.Debug("Flushed rollup deltas",
		zap.String("rollup_type", source.RollupType()),
		zap.Int("shard_id", shardID),
		zap.String("batch_id", batchID),
		zap.Int("delta_count", len(deltas)))

	return nil
}

// finalFlush makes a best-effort write of any remaining backlog during
// shutdown, on a fresh context since the run context is already done.
func (m *Manager) finalFlush(source Source, shardID int, backlog []*repository.DeltaRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fresh, err := source.CollectDeltas(ctx, shardID)
	if err == nil {
		backlog = append(backlog, fresh...)
	}
	if len(backlog) == 0 {
		return
	}

	if _, err := m.store.InsertDeltas(ctx, backlog); err != nil {
		m.log.Error("Final flush failed; deltas will be rebuilt from the queue on restart",
			zap.String("rollup_type", source.RollupType()),
			zap.Int("shard_id", shardID),
			zap.Error(err))
		return
	}

	m.log.Info("Flushed final batch",
		zap.String("rollup_type", source.RollupType()),
		zap.Int("shard_id", shardID),
		zap.Int("delta_count", len(backlog)))
}

func (m *Manager) compactLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Compactor shutting down")
			return
		case <-ticker.C:
			for _, source := range m.sources {
				rollupType := source.RollupType()
				for shardID := 0; shardID < source.ShardCount(); shardID++ {
					upTo := m.trackers[rollupType][shardID].lastFlushed.Load()
					if upTo == 0 {
						continue
					}
					if err := m.store.Compact(ctx, uint32(shardID), rollupType, upTo); err != nil {
						m.log.Error("Compaction failed",
							zap.String("rollup_type", rollupType),
							zap.Int("shard_id", shardID),
							zap.Error(err))
					}
				}
			}
		}
	}
}
