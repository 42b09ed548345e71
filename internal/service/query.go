package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/dto"
	"github.com/BarkinBalci/engagement-rollup-service/internal/flush"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// SessionReader reads in-memory session rollups
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*domain.SessionRollup, error)
}

// UserReader reads in-memory user rollups
type UserReader interface {
	Get(ctx context.Context, userID string) (*domain.UserRollup, error)
	Snapshot(ctx context.Context) ([]*domain.UserRollup, error)
}

// StatusReporter reports per-shard flush health
type StatusReporter interface {
	Status() []flush.ShardStatus
}

// QueryService serves rollup reads by merging in-memory shard state
// with the durable snapshot. It never touches raw events.
type QueryService struct {
	sessions SessionReader
	users    UserReader
	store    repository.RollupStore
	status   StatusReporter
	log      *zap.Logger
}

// NewQueryService creates a new query service
func NewQueryService(sessions SessionReader, users UserReader, store repository.RollupStore, status StatusReporter, log *zap.Logger) *QueryService {
	return &QueryService{
		sessions: sessions,
		users:    users,
		store:    store,
		status:   status,
		log:      log,
	}
}

// GetSessionRollup reads one session rollup, freshest copy first:
// the owning shard's memory, then the stored snapshot+delta merge.
func (s *QueryService) GetSessionRollup(ctx context.Context, sessionID string) (*dto.SessionRollupResponse, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session_id", domain.ErrMalformed)
	}

	rollup, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		rollup, err = s.store.GetSessionRollup(ctx, sessionID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			s.log.Error("Failed to read session rollup from storage",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
	}

	return &dto.SessionRollupResponse{
		SessionID:       rollup.SessionID,
		UserID:          rollup.UserID,
		SessionDuration: rollup.SessionDuration,
		TotalEvents:     rollup.TotalEvents,
		ClickCount:      rollup.ClickCount,
		Region:          rollup.Region,
		AccountType:     rollup.AccountType,
		Finalized:       rollup.Finalized,
	}, nil
}

// GetUserRollups reads an ordered page of user rollups, overlaying
// unflushed in-memory state on the stored snapshot. The page token is
// opaque and restartable.
func (s *QueryService) GetUserRollups(ctx context.Context, req *dto.GetUserRollupsRequest) (*dto.GetUserRollupsResponse, error) {
	after, err := decodePageToken(req.PageToken)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	stored, err := s.store.ScanUserRollups(ctx, repository.UserRollupQuery{
		Region:      req.Region,
		MinSessions: req.MinSessions,
		AfterUserID: after,
		Limit:       limit,
	})
	if err != nil {
		s.log.Error("Failed to scan user rollups from storage", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	resident, err := s.users.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	// In-memory rollups are at least as new as anything stored for the
	// same user, so they win the merge.
	merged := make(map[string]*domain.UserRollup, len(stored)+len(resident))
	for _, rollup := range stored {
		merged[rollup.UserID] = rollup
	}
	for _, rollup := range resident {
		if rollup.UserID <= after {
			continue
		}
		merged[rollup.UserID] = rollup
	}

	users := make([]*domain.UserRollup, 0, len(merged))
	for _, rollup := range merged {
		if req.Region != "" && rollup.Region != req.Region {
			continue
		}
		if rollup.SessionCount < req.MinSessions {
			continue
		}
		users = append(users, rollup)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	more := len(users) > limit
	if more {
		users = users[:limit]
	}

	resp := &dto.GetUserRollupsResponse{
		Users: make([]dto.UserRollupData, 0, len(users)),
	}
	for _, rollup := range users {
		resp.Users = append(resp.Users, dto.UserRollupData{
			UserID:             rollup.UserID,
			Region:             rollup.Region,
			SessionCount:       rollup.SessionCount,
			SumSessionDuration: rollup.SumSessionDuration,
			SumTotalEvents:     rollup.SumTotalEvents,
			SumClickCount:      rollup.SumClickCount,
			AvgSessionDuration: rollup.AvgSessionDuration(),
		})
	}

	if (more || len(stored) == limit) && len(users) > 0 {
		resp.NextPageToken = encodePageToken(users[len(users)-1].UserID)
	}

	return resp, nil
}

// Health checks the storage connection
func (s *QueryService) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return nil
}

// Lag reports per-shard flush backlog
func (s *QueryService) Lag() *dto.LagResponse {
	statuses := s.status.Status()
	resp := &dto.LagResponse{Shards: make([]dto.ShardLag, 0, len(statuses))}
	for _, status := range statuses {
		resp.Shards = append(resp.Shards, dto.ShardLag{
			RollupType: status.RollupType,
			ShardID:    status.ShardID,
			Unflushed:  status.Unflushed,
			Degraded:   status.Degraded,
		})
	}
	return resp
}

func encodePageToken(userID string) string {
	return base64.URLEncoding.EncodeToString([]byte(userID))
}

func decodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	decoded, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: invalid page token", domain.ErrMalformed)
	}
	return string(decoded), nil
}
