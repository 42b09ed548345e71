package service

import (
	"context"

	"github.com/BarkinBalci/engagement-rollup-service/internal/dto"
)

// RollupQuerier defines the interface for query facade operations
type RollupQuerier interface {
	GetSessionRollup(ctx context.Context, sessionID string) (*dto.SessionRollupResponse, error)
	GetUserRollups(ctx context.Context, req *dto.GetUserRollupsRequest) (*dto.GetUserRollupsResponse, error)
	Health(ctx context.Context) error
	Lag() *dto.LagResponse
}
