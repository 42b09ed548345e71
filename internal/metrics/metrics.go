package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reject reasons used as label values on RecordsRejected.
const (
	ReasonOrphan    = "orphan_event"
	ReasonLate      = "late_event"
	ReasonMalformed = "malformed"
	ReasonDuplicate = "duplicate"
)

var (
	// RecordsAccepted counts records admitted by intake.
	RecordsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rollup_engine",
		Name:      "records_accepted_total",
		Help:      "Records accepted by event intake.",
	})

	// RecordsRejected counts records rejected by intake, by reason.
	RecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollup_engine",
		Name:      "records_rejected_total",
		Help:      "Records rejected by event intake, by reason.",
	}, []string{"reason"})

	// SessionsFinalized counts session rollups finalized and emitted.
	SessionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rollup_engine",
		Name:      "sessions_finalized_total",
		Help:      "Session rollups finalized after the grace window.",
	})

	// SessionsUnknownDimension counts sessions finalized with UNKNOWN
	// attributes because the dimension never resolved in time.
	SessionsUnknownDimension = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rollup_engine",
		Name:      "sessions_unknown_dimension_total",
		Help:      "Sessions finalized with unresolved user dimensions.",
	})

	// LedgerRiskEvictions counts dedup ledger evictions of entries
	// younger than the session lifetime bound. A non-zero value means
	// idempotence is no longer guaranteed for the evicted keys.
	LedgerRiskEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rollup_engine",
		Name:      "dedup_ledger_risk_evictions_total",
		Help:      "Dedup ledger evictions inside the idempotence window.",
	})

	// FlushRetries counts flush attempts that had to be retried.
	FlushRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rollup_engine",
		Name:      "flush_retries_total",
		Help:      "Rollup delta flush attempts that failed and were retried.",
	})

	// SlowFlushAlarms counts shards whose flush exceeded the retry
	// budget and engaged ingestion back-pressure.
	SlowFlushAlarms = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollup_engine",
		Name:      "slow_flush_alarms_total",
		Help:      "Flush retry budget exhaustions, by shard.",
	}, []string{"shard"})

	// UnflushedRollups gauges dirty rollups awaiting flush, by shard.
	UnflushedRollups = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rollup_engine",
		Name:      "unflushed_rollups",
		Help:      "In-memory rollups not yet written to the delta log.",
	}, []string{"shard", "rollup_type"})

	// IngestionLagSeconds gauges the age of the newest accepted record
	// per session shard.
	IngestionLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rollup_engine",
		Name:      "ingestion_lag_seconds",
		Help:      "Seconds between now and the newest accepted record timestamp.",
	}, []string{"shard"})
)
