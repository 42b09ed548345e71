package dto

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"not_found"`
	Message string `json:"message,omitempty" example:"no rollup for session sess_123"`
}

// SessionRollupResponse represents a session rollup read
type SessionRollupResponse struct {
	SessionID       string `json:"session_id" example:"sess_123"`
	UserID          string `json:"user_id" example:"user_123"`
	SessionDuration int64  `json:"session_duration" example:"120"`
	TotalEvents     uint64 `json:"total_events" example:"10"`
	ClickCount      uint64 `json:"click_count" example:"3"`
	Region          string `json:"region" example:"US"`
	AccountType     string `json:"account_type" example:"paid"`
	Finalized       bool   `json:"finalized" example:"true"`
}

// UserRollupData represents one user rollup in a scan page. The
// average is derived from the additive sums at response time.
type UserRollupData struct {
	UserID             string  `json:"user_id" example:"user_123"`
	Region             string  `json:"region" example:"US"`
	SessionCount       uint64  `json:"session_count" example:"2"`
	SumSessionDuration int64   `json:"sum_session_duration" example:"180"`
	SumTotalEvents     uint64  `json:"sum_total_events" example:"15"`
	SumClickCount      uint64  `json:"sum_click_count" example:"4"`
	AvgSessionDuration float64 `json:"avg_session_duration" example:"90"`
}

// GetUserRollupsResponse represents a page of user rollups
type GetUserRollupsResponse struct {
	Users         []UserRollupData `json:"users"`
	NextPageToken string           `json:"next_page_token,omitempty" example:"dXNlcl8xMjM"`
}

// ShardLag reports one shard's flush backlog
type ShardLag struct {
	RollupType string `json:"rollup_type" example:"session"`
	ShardID    int    `json:"shard_id" example:"0"`
	Unflushed  int    `json:"unflushed" example:"42"`
	Degraded   bool   `json:"degraded" example:"false"`
}

// LagResponse reports flush health across all shards
type LagResponse struct {
	Shards []ShardLag `json:"shards"`
}
