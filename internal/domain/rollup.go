package domain

// Event types recognized by the session aggregator.
const (
	EventTypeClick = "click"
)

// Account types relevant to the user rollup tier.
const (
	AccountTypePaid = "paid"

	// DimensionUnknown is assigned when a session finalizes before its
	// user's dimensions could be resolved. Sessions carrying it never
	// qualify for a user rollup.
	DimensionUnknown = "UNKNOWN"
)

// SessionEvent represents a single raw event within a session.
// Immutable once accepted by intake.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	EventType string `json:"event_type"`
	Timestamp int64  `json:"timestamp"`
	DedupKey  string `json:"dedup_key"`
}

// SessionRecord represents a session lifecycle notification. EndTime
// is zero while the session is open and set exactly once on close.
type SessionRecord struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time,omitempty"`
}

// Closed reports whether the record carries a close notification.
func (r *SessionRecord) Closed() bool {
	return r.EndTime != 0
}

// UserDimension holds the current attributes of a user. Entries are
// replaced wholesale on invalidation, never mutated in place.
type UserDimension struct {
	UserID      string `json:"user_id"`
	Region      string `json:"region"`
	AccountType string `json:"account_type"`
	Version     uint64 `json:"version"`
}

// SessionRollup is the per-session aggregate stored in ClickHouse.
// Region and AccountType are the dimension snapshot captured at close
// time, not the user's live attributes.
type SessionRollup struct {
	SessionID       string `ch:"session_id" json:"session_id"`
	UserID          string `ch:"user_id" json:"user_id"`
	SessionDuration int64  `ch:"session_duration" json:"session_duration"`
	TotalEvents     uint64 `ch:"total_events" json:"total_events"`
	ClickCount      uint64 `ch:"click_count" json:"click_count"`
	Region          string `ch:"region" json:"region"`
	AccountType     string `ch:"account_type" json:"account_type"`
	Finalized       bool   `ch:"finalized" json:"finalized"`
	Version         uint64 `ch:"version" json:"version"`
}

// UserRollup is the per-user aggregate over finalized paid sessions.
// Sums stay additive; the average is derived at read time.
type UserRollup struct {
	UserID             string `ch:"user_id" json:"user_id"`
	Region             string `ch:"region" json:"region"`
	SessionCount       uint64 `ch:"session_count" json:"session_count"`
	SumSessionDuration int64  `ch:"sum_session_duration" json:"sum_session_duration"`
	SumTotalEvents     uint64 `ch:"sum_total_events" json:"sum_total_events"`
	SumClickCount      uint64 `ch:"sum_click_count" json:"sum_click_count"`
	Version            uint64 `ch:"version" json:"version"`
}

// AvgSessionDuration derives the average session duration in seconds.
func (u *UserRollup) AvgSessionDuration() float64 {
	if u.SessionCount == 0 {
		return 0
	}
	return float64(u.SumSessionDuration) / float64(u.SessionCount)
}

// Qualifies reports whether a finalized session rollup contributes to
// the user tier.
func (r *SessionRollup) Qualifies() bool {
	return r.AccountType == AccountTypePaid
}
