package dto

// GetUserRollupsRequest represents a user rollup scan request
type GetUserRollupsRequest struct {
	Region      string `form:"region" example:"US"`
	MinSessions uint64 `form:"min_sessions" example:"5"`
	Limit       int    `form:"limit" example:"100"`
	PageToken   string `form:"page_token" example:"dXNlcl8xMjM"`
}
