package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Service holds process-level settings.
type Service struct {
	Environment     string `envconfig:"SERVICE_ENVIRONMENT" required:"true"`
	APIPort         string `envconfig:"SERVICE_API_PORT" default:"8080"`
	HealthCheckPort string `envconfig:"SERVICE_HEALTH_CHECK_PORT" default:"8081"`
}

// SQS holds queue settings. The engine consumes two queues: the raw
// event/session stream and the dimension change feed.
type SQS struct {
	Endpoint         string `envconfig:"SQS_ENDPOINT"`
	EventQueueURL    string `envconfig:"SQS_EVENT_QUEUE_URL" required:"true"`
	DimensionFeedURL string `envconfig:"SQS_DIMENSION_FEED_URL" required:"true"`
	Region           string `envconfig:"SQS_REGION" required:"true"`
}

// ClickHouse holds rollup storage settings.
type ClickHouse struct {
	Host            string `envconfig:"CLICKHOUSE_HOST" required:"true"`
	Port            string `envconfig:"CLICKHOUSE_PORT" required:"true"`
	Database        string `envconfig:"CLICKHOUSE_DB" required:"true"`
	User            string `envconfig:"CLICKHOUSE_USER" default:""`
	Password        string `envconfig:"CLICKHOUSE_PASSWORD" default:""`
	UseTLS          bool   `envconfig:"CLICKHOUSE_USE_TLS" default:"false"`
	MaxOpenConns    int    `envconfig:"CLICKHOUSE_MAX_OPEN_CONNS" default:"5"`
	MaxIdleConns    int    `envconfig:"CLICKHOUSE_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime int    `envconfig:"CLICKHOUSE_CONN_MAX_LIFETIME_SEC" default:"3600"`
}

// Intake holds admission-control settings.
type Intake struct {
	DedupWindowSize       int `envconfig:"INTAKE_DEDUP_WINDOW_SIZE" default:"100000"`
	SessionWindowSize     int `envconfig:"INTAKE_SESSION_WINDOW_SIZE" default:"50000"`
	MaxSessionLifetimeSec int `envconfig:"INTAKE_MAX_SESSION_LIFETIME_SEC" default:"86400"`
	GraceWindowSec        int `envconfig:"INTAKE_GRACE_WINDOW_SEC" default:"30"`
}

// Aggregator holds shard settings for both rollup tiers.
type Aggregator struct {
	SessionShards       int `envconfig:"AGGREGATOR_SESSION_SHARDS" default:"8"`
	UserShards          int `envconfig:"AGGREGATOR_USER_SHARDS" default:"8"`
	ShardQueueSize      int `envconfig:"AGGREGATOR_SHARD_QUEUE_SIZE" default:"1024"`
	PendingDimensionCap int `envconfig:"AGGREGATOR_PENDING_DIMENSION_CAP" default:"1000"`
	PendingDimensionSec int `envconfig:"AGGREGATOR_PENDING_DIMENSION_SEC" default:"10"`
	DedupLedgerSize     int `envconfig:"AGGREGATOR_DEDUP_LEDGER_SIZE" default:"100000"`
	EmitRetries         int `envconfig:"AGGREGATOR_EMIT_RETRIES" default:"5"`
}

// Flush holds snapshot and flush manager settings.
type Flush struct {
	IntervalSec        int `envconfig:"FLUSH_INTERVAL_SEC" default:"10"`
	DirtyThreshold     int `envconfig:"FLUSH_DIRTY_THRESHOLD" default:"5000"`
	RetryBudget        int `envconfig:"FLUSH_RETRY_BUDGET" default:"5"`
	CompactIntervalSec int `envconfig:"FLUSH_COMPACT_INTERVAL_SEC" default:"300"`
}

type Config struct {
	Service    Service
	SQS        SQS
	ClickHouse ClickHouse
	Intake     Intake
	Aggregator Aggregator
	Flush      Flush
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}
