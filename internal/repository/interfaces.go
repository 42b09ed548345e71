package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
)

// Rollup types used in the persisted delta log.
const (
	RollupTypeSession = "session"
	RollupTypeUser    = "user"
)

// DeltaRecord is one row of the append-only delta log. Payload is a
// versioned JSON document so rollup fields can evolve without schema
// migrations on the log itself.
type DeltaRecord struct {
	ShardID    uint32
	RollupType string
	Key        string
	Payload    string
	Version    uint64
}

// SessionDeltaPayload is the JSON body of a session rollup delta.
// DedupKeys, StartTime, and EndTime are carried only while the session
// is open so a restart can rebuild the per-session idempotence set and
// lifecycle state.
type SessionDeltaPayload struct {
	Rollup    domain.SessionRollup `json:"rollup"`
	StartTime int64                `json:"start_time,omitempty"`
	EndTime   int64                `json:"end_time,omitempty"`
	DedupKeys []string             `json:"dedup_keys,omitempty"`
}

// UserDeltaPayload is the JSON body of a user rollup delta.
// AppliedSessions names the sessions folded in since the previous
// delta, so replay can re-seed the dedup ledger.
type UserDeltaPayload struct {
	Rollup          domain.UserRollup `json:"rollup"`
	AppliedSessions []string          `json:"applied_sessions,omitempty"`
}

// EncodeSessionDelta serializes a session delta payload.
func EncodeSessionDelta(p *SessionDeltaPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode session delta: %w", err)
	}
	return string(b), nil
}

// DecodeSessionDelta deserializes a session delta payload.
func DecodeSessionDelta(payload string) (*SessionDeltaPayload, error) {
	var p SessionDeltaPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("failed to decode session delta: %w", err)
	}
	return &p, nil
}

// EncodeUserDelta serializes a user delta payload.
func EncodeUserDelta(p *UserDeltaPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode user delta: %w", err)
	}
	return string(b), nil
}

// DecodeUserDelta deserializes a user delta payload.
func DecodeUserDelta(payload string) (*UserDeltaPayload, error) {
	var p UserDeltaPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("failed to decode user delta: %w", err)
	}
	return &p, nil
}

// UserRollupQuery filters and pages an ordered user rollup scan.
type UserRollupQuery struct {
	Region      string
	MinSessions uint64
	AfterUserID string
	Limit       int
}

// RollupStore defines the interface for rollup persistence
type RollupStore interface {
	// InitSchema initializes the storage schema (creates tables if they don't exist)
	InitSchema(ctx context.Context) error

	// InsertDeltas appends a batch of delta records atomically
	InsertDeltas(ctx context.Context, deltas []*DeltaRecord) (int, error)

	// Watermark returns the compaction watermark for a shard and rollup type
	Watermark(ctx context.Context, shardID uint32, rollupType string) (uint64, error)

	// DeltasSince returns delta records newer than the given version
	DeltasSince(ctx context.Context, shardID uint32, rollupType string, after uint64) ([]*DeltaRecord, error)

	// Compact folds deltas up to the given version into the snapshot
	// tables, advances the watermark, and prunes the folded deltas
	Compact(ctx context.Context, shardID uint32, rollupType string, upTo uint64) error

	// GetSessionRollup reads one session rollup, merging snapshot and delta log
	GetSessionRollup(ctx context.Context, sessionID string) (*domain.SessionRollup, error)

	// ScanUserRollups reads an ordered page of user rollups from the snapshot
	ScanUserRollups(ctx context.Context, query UserRollupQuery) ([]*domain.UserRollup, error)

	// Ping checks if the storage connection is alive
	Ping(ctx context.Context) error

	// Close closes the store and releases resources
	Close() error
}
