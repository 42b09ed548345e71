package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository"
)

// Repository implements RollupStore for ClickHouse
type Repository struct {
	client *Client
	log    *zap.Logger
}

// NewRepository creates a new ClickHouse repository
func NewRepository(client *Client, log *zap.Logger) *Repository {
	return &Repository{
		client: client,
		log:    log,
	}
}

// InitSchema initializes the rollup storage schema. The delta log is a
// plain MergeTree append log; the snapshot tables use ReplacingMergeTree
// so compaction folds by (key, version) without explicit upserts.
func (r *Repository) InitSchema(ctx context.Context) error {
	queries := []string{
		`
	CREATE TABLE IF NOT EXISTS rollup_deltas (
		shard_id UInt32,
		rollup_type LowCardinality(String),
		key String,
		payload String,
		version UInt64,
		written_at DateTime64(3) DEFAULT now64(3)
	) ENGINE = MergeTree
	ORDER BY (rollup_type, shard_id, key, version)
	PARTITION BY toYYYYMMDD(written_at)
	SETTINGS index_granularity = 8192
	`,
		`
	CREATE TABLE IF NOT EXISTS session_rollups (
		session_id String,
		user_id String,
		session_duration Int64,
		total_events UInt64,
		click_count UInt64,
		region LowCardinality(String),
		account_type LowCardinality(String),
		finalized Bool,
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	PRIMARY KEY (session_id)
	ORDER BY (session_id)
	SETTINGS index_granularity = 8192
	`,
		`
	CREATE TABLE IF NOT EXISTS user_rollups (
		user_id String,
		region LowCardinality(String),
		session_count UInt64,
		sum_session_duration Int64,
		sum_total_events UInt64,
		sum_click_count UInt64,
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	PRIMARY KEY (user_id)
	ORDER BY (user_id)
	SETTINGS index_granularity = 8192
	`,
		`
	CREATE TABLE IF NOT EXISTS flush_watermarks (
		shard_id UInt32,
		rollup_type LowCardinality(String),
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY (rollup_type, shard_id)
	`,
	}

	for _, query := range queries {
		if err := r.client.Conn().Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create rollup tables: %w", err)
		}
	}

	r.log.Info("ClickHouse rollup schema initialized successfully")
	return nil
}

// InsertDeltas appends a batch of delta records in a single prepared
// batch, which ClickHouse applies atomically per insert.
func (r *Repository) InsertDeltas(ctx context.Context, deltas []*repository.DeltaRecord) (int, error) {
	if len(deltas) == 0 {
		return 0, nil
	}

	batch, err := r.client.Conn().PrepareBatch(ctx, "INSERT INTO rollup_deltas (shard_id, rollup_type, key, payload, version)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare delta batch: %w", err)
	}

	insertedCount := 0
	for _, delta := range deltas {
		if delta.Version == 0 {
			delta.Version = uint64(time.Now().UnixNano())
		}

		err := batch.Append(
			delta.ShardID,
			delta.RollupType,
			delta.Key,
			delta.Payload,
			delta.Version,
		)

		if err != nil {
			return 0, fmt.Errorf("failed to append delta to batch: %w", err)
		}
		insertedCount++
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send delta batch: %w", err)
	}

	return insertedCount, nil
}

// Watermark returns the compaction watermark for a shard and rollup type
func (r *Repository) Watermark(ctx context.Context, shardID uint32, rollupType string) (uint64, error) {
	query := `
		SELECT max(version)
		FROM flush_watermarks
		WHERE shard_id = ? AND rollup_type = ?
	`

	var version uint64
	row := r.client.Conn().QueryRow(ctx, query, shardID, rollupType)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query watermark: %w", err)
	}

	return version, nil
}

// DeltasSince returns delta records newer than the given version
func (r *Repository) DeltasSince(ctx context.Context, shardID uint32, rollupType string, after uint64) ([]*repository.DeltaRecord, error) {
	query := `
		SELECT shard_id, rollup_type, key, payload, version
		FROM rollup_deltas
		WHERE shard_id = ? AND rollup_type = ? AND version > ?
		ORDER BY version ASC
	`

	rows, err := r.client.Conn().Query(ctx, query, shardID, rollupType, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query deltas: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Error("Failed to close delta rows", zap.Error(err))
		}
	}()

	var deltas []*repository.DeltaRecord
	for rows.Next() {
		var delta repository.DeltaRecord
		if err := rows.Scan(&delta.ShardID, &delta.RollupType, &delta.Key, &delta.Payload, &delta.Version); err != nil {
			return nil, fmt.Errorf("failed to scan delta row: %w", err)
		}
		deltas = append(deltas, &delta)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delta rows: %w", err)
	}

	return deltas, nil
}

// Compact folds deltas up to the given version into the snapshot
// tables, advances the watermark, then prunes the folded deltas. The
// watermark row is written only after the fold succeeds, so a crash
// mid-compaction leaves the deltas in place and the next run redoes
// the fold idempotently.
func (r *Repository) Compact(ctx context.Context, shardID uint32, rollupType string, upTo uint64) error {
	watermark, err := r.Watermark(ctx, shardID, rollupType)
	if err != nil {
		return err
	}
	if upTo <= watermark {
		return nil
	}

	deltas, err := r.DeltasSince(ctx, shardID, rollupType, watermark)
	if err != nil {
		return err
	}

	// Latest delta per key wins; deltas arrive version-ordered.
	latest := make(map[string]*repository.DeltaRecord)
	for _, delta := range deltas {
		if delta.Version > upTo {
			continue
		}
		latest[delta.Key] = delta
	}

	if len(latest) > 0 {
		switch rollupType {
		case repository.RollupTypeSession:
			err = r.foldSessionDeltas(ctx, latest)
		case repository.RollupTypeUser:
			err = r.foldUserDeltas(ctx, latest)
		default:
			err = fmt.Errorf("unsupported rollup type: %s", rollupType)
		}
		if err != nil {
			return err
		}
	}

	advance := `INSERT INTO flush_watermarks (shard_id, rollup_type, version) VALUES (?, ?, ?)`
	if err := r.client.Conn().Exec(ctx, advance, shardID, rollupType, upTo); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	prune := `ALTER TABLE rollup_deltas DELETE WHERE shard_id = ? AND rollup_type = ? AND version <= ?`
	if err := r.client.Conn().Exec(ctx, prune, shardID, rollupType, upTo); err != nil {
		return fmt.Errorf("failed to prune folded deltas: %w", err)
	}

	r.log.Info("Compacted rollup deltas",
		zap.Uint32("shard_id", shardID),
		zap.String("rollup_type", rollupType),
		zap.Int("folded", len(latest)),
		zap.Uint64("watermark", upTo))

	return nil
}

func (r *Repository) foldSessionDeltas(ctx context.Context, latest map[string]*repository.DeltaRecord) error {
	batch, err := r.client.Conn().PrepareBatch(ctx, "INSERT INTO session_rollups")
	if err != nil {
		return fmt.Errorf("failed to prepare session snapshot batch: %w", err)
	}

	for _, delta := range latest {
		payload, err := repository.DecodeSessionDelta(delta.Payload)
		if err != nil {
			return err
		}
		rollup := payload.Rollup
		err = batch.Append(
			rollup.SessionID,
			rollup.UserID,
			rollup.SessionDuration,
			rollup.TotalEvents,
			rollup.ClickCount,
			rollup.Region,
			rollup.AccountType,
			rollup.Finalized,
			rollup.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to append session snapshot: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send session snapshot batch: %w", err)
	}
	return nil
}

func (r *Repository) foldUserDeltas(ctx context.Context, latest map[string]*repository.DeltaRecord) error {
	batch, err := r.client.Conn().PrepareBatch(ctx, "INSERT INTO user_rollups")
	if err != nil {
		return fmt.Errorf("failed to prepare user snapshot batch: %w", err)
	}

	for _, delta := range latest {
		payload, err := repository.DecodeUserDelta(delta.Payload)
		if err != nil {
			return err
		}
		rollup := payload.Rollup
		err = batch.Append(
			rollup.UserID,
			rollup.Region,
			rollup.SessionCount,
			rollup.SumSessionDuration,
			rollup.SumTotalEvents,
			rollup.SumClickCount,
			rollup.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to append user snapshot: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send user snapshot batch: %w", err)
	}
	return nil
}

// GetSessionRollup reads one session rollup, merging the compacted
// snapshot with any newer row still in the delta log.
func (r *Repository) GetSessionRollup(ctx context.Context, sessionID string) (*domain.SessionRollup, error) {
	var snapshot domain.SessionRollup
	haveSnapshot := true

	query := `
		SELECT session_id, user_id, session_duration, total_events,
		       click_count, region, account_type, finalized, version
		FROM session_rollups FINAL
		WHERE session_id = ?
	`

	row := r.client.Conn().QueryRow(ctx, query, sessionID)
	err := row.Scan(&snapshot.SessionID, &snapshot.UserID, &snapshot.SessionDuration,
		&snapshot.TotalEvents, &snapshot.ClickCount, &snapshot.Region,
		&snapshot.AccountType, &snapshot.Finalized, &snapshot.Version)
	if err != nil {
		if !isNoRows(err) {
			return nil, fmt.Errorf("failed to query session snapshot: %w", err)
		}
		haveSnapshot = false
	}

	deltaQuery := `
		SELECT payload
		FROM rollup_deltas
		WHERE rollup_type = ? AND key = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var payload string
	row = r.client.Conn().QueryRow(ctx, deltaQuery, repository.RollupTypeSession, sessionID)
	if err := row.Scan(&payload); err != nil {
		if !isNoRows(err) {
			return nil, fmt.Errorf("failed to query session delta: %w", err)
		}
		if !haveSnapshot {
			return nil, domain.ErrNotFound
		}
		return &snapshot, nil
	}

	decoded, err := repository.DecodeSessionDelta(payload)
	if err != nil {
		return nil, err
	}
	if haveSnapshot && snapshot.Version >= decoded.Rollup.Version {
		return &snapshot, nil
	}
	rollup := decoded.Rollup
	return &rollup, nil
}

// ScanUserRollups reads an ordered page of user rollups from the snapshot
func (r *Repository) ScanUserRollups(ctx context.Context, query repository.UserRollupQuery) ([]*domain.UserRollup, error) {
	whereClause := "WHERE user_id > ?"
	args := []interface{}{query.AfterUserID}

	if query.Region != "" {
		whereClause += " AND region = ?"
		args = append(args, query.Region)
	}
	if query.MinSessions > 0 {
		whereClause += " AND session_count >= ?"
		args = append(args, query.MinSessions)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	scanQuery := fmt.Sprintf(`
		SELECT user_id, region, session_count, sum_session_duration,
		       sum_total_events, sum_click_count, version
		FROM user_rollups FINAL
		%s
		ORDER BY user_id ASC
		LIMIT ?
	`, whereClause)

	rows, err := r.client.Conn().Query(ctx, scanQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query user rollups: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			r.log.Error("Failed to close user rollup rows", zap.Error(err))
		}
	}()

	var rollups []*domain.UserRollup
	for rows.Next() {
		var rollup domain.UserRollup
		err := rows.Scan(&rollup.UserID, &rollup.Region, &rollup.SessionCount,
			&rollup.SumSessionDuration, &rollup.SumTotalEvents,
			&rollup.SumClickCount, &rollup.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user rollup row: %w", err)
		}
		rollups = append(rollups, &rollup)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rollup rows: %w", err)
	}

	return rollups, nil
}

// Ping checks if the ClickHouse connection is alive
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Conn().Ping(ctx)
}

// Close closes the ClickHouse connection
func (r *Repository) Close() error {
	return r.client.Close()
}

// isNoRows matches the driver's empty-result error for point reads.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
