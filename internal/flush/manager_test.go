package flush

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/aggregator/session"
	"github.com/BarkinBalci/engagement-rollup-service/internal/aggregator/user"
	"github.com/BarkinBalci/engagement-rollup-service/internal/dimension"
	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
	"github.com/BarkinBalci/engagement-rollup-service/internal/repository"
)

// MockRollupStore is a mock implementation of repository.RollupStore
type MockRollupStore struct {
	mock.Mock
}

func (m *MockRollupStore) InitSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRollupStore) InsertDeltas(ctx context.Context, deltas []*repository.DeltaRecord) (int, error) {
	args := m.Called(ctx, deltas)
	return args.Int(0), args.Error(1)
}

func (m *MockRollupStore) Watermark(ctx context.Context, shardID uint32, rollupType string) (uint64, error) {
	args := m.Called(ctx, shardID, rollupType)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRollupStore) DeltasSince(ctx context.Context, shardID uint32, rollupType string, after uint64) ([]*repository.DeltaRecord, error) {
	args := m.Called(ctx, shardID, rollupType, after)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.DeltaRecord), args.Error(1)
}

func (m *MockRollupStore) Compact(ctx context.Context, shardID uint32, rollupType string, upTo uint64) error {
	args := m.Called(ctx, shardID, rollupType, upTo)
	return args.Error(0)
}

func (m *MockRollupStore) GetSessionRollup(ctx context.Context, sessionID string) (*domain.SessionRollup, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionRollup), args.Error(1)
}

func (m *MockRollupStore) ScanUserRollups(ctx context.Context, query repository.UserRollupQuery) ([]*domain.UserRollup, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.UserRollup), args.Error(1)
}

func (m *MockRollupStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRollupStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockSource is a mock implementation of Source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) RollupType() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockSource) ShardCount() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockSource) CollectDeltas(ctx context.Context, shardID int) ([]*repository.DeltaRecord, error) {
	args := m.Called(ctx, shardID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.DeltaRecord), args.Error(1)
}

func (m *MockSource) Unflushed(shardID int) int {
	args := m.Called(shardID)
	return args.Int(0)
}

func (m *MockSource) Seed(deltas []*repository.DeltaRecord) error {
	args := m.Called(deltas)
	return args.Error(0)
}

func testDelta(shardID uint32, key string, version uint64) *repository.DeltaRecord {
	return &repository.DeltaRecord{
		ShardID:    shardID,
		RollupType: repository.RollupTypeSession,
		Key:        key,
		Payload:    "{}",
		Version:    version,
	}
}

func testManagerConfig() Config {
	return Config{
		Interval:        50 * time.Millisecond,
		DirtyThreshold:  1000,
		RetryBudget:     1,
		CompactInterval: time.Hour,
	}
}

func TestManager_FlushWritesCollectedDeltas(t *testing.T) {
	store := new(MockRollupStore)
	source := new(MockSource)

	source.On("RollupType").Return(repository.RollupTypeSession)
	source.On("ShardCount").Return(1)
	source.On("Unflushed", 0).Return(0)

	deltas := []*repository.DeltaRecord{testDelta(0, "sess_1", 10)}
	source.On("CollectDeltas", mock.Anything, 0).Return(deltas, nil).Once()
	source.On("CollectDeltas", mock.Anything, 0).Return(nil, nil)

	written := make(chan struct{}, 1)
	store.On("InsertDeltas", mock.Anything, deltas).
		Run(func(mock.Arguments) {
			select {
			case written <- struct{}{}:
			default:
			}
		}).Return(1, nil).Once()

	m := NewManager(store, []Source{source}, testManagerConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("deltas were never written")
	}

	cancel()
	<-done

	store.AssertExpectations(t)
	assert.False(t, m.Degraded(repository.RollupTypeSession, 0))
}

func TestManager_DegradesShardWhenRetryBudgetExhausted(t *testing.T) {
	store := new(MockRollupStore)
	source := new(MockSource)

	source.On("RollupType").Return(repository.RollupTypeSession)
	source.On("ShardCount").Return(1)
	source.On("Unflushed", 0).Return(0)
	source.On("CollectDeltas", mock.Anything, 0).Return([]*repository.DeltaRecord{testDelta(0, "sess_1", 10)}, nil).Once()
	source.On("CollectDeltas", mock.Anything, 0).Return(nil, nil)
	store.On("InsertDeltas", mock.Anything, mock.Anything).Return(0, assert.AnError)

	m := NewManager(store, []Source{source}, testManagerConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return m.Degraded(repository.RollupTypeSession, 0)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestManager_BacklogSurvivesFailedCycle(t *testing.T) {
	store := new(MockRollupStore)
	source := new(MockSource)

	source.On("RollupType").Return(repository.RollupTypeSession)
	source.On("ShardCount").Return(1)
	source.On("Unflushed", 0).Return(0)

	first := testDelta(0, "sess_1", 10)
	second := testDelta(0, "sess_2", 20)
	source.On("CollectDeltas", mock.Anything, 0).Return([]*repository.DeltaRecord{first}, nil).Once()
	source.On("CollectDeltas", mock.Anything, 0).Return([]*repository.DeltaRecord{second}, nil).Once()
	source.On("CollectDeltas", mock.Anything, 0).Return(nil, nil)

	// First cycle fails; the retry carries sess_1 forward alongside the
	// freshly collected sess_2.
	store.On("InsertDeltas", mock.Anything, []*repository.DeltaRecord{first}).Return(0, assert.AnError)
	inserted := make(chan []*repository.DeltaRecord, 1)
	store.On("InsertDeltas", mock.Anything, []*repository.DeltaRecord{first, second}).
		Run(func(args mock.Arguments) {
			select {
			case inserted <- args.Get(1).([]*repository.DeltaRecord):
			default:
			}
		}).Return(2, nil)

	m := NewManager(store, []Source{source}, testManagerConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	select {
	case batch := <-inserted:
		assert.Len(t, batch, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("combined batch was never written")
	}

	cancel()
	<-done
	assert.False(t, m.Degraded(repository.RollupTypeSession, 0))
}

func TestManager_FinalFlushOnShutdown(t *testing.T) {
	store := new(MockRollupStore)
	source := new(MockSource)

	source.On("RollupType").Return(repository.RollupTypeSession)
	source.On("ShardCount").Return(1)
	source.On("Unflushed", 0).Return(0)

	deltas := []*repository.DeltaRecord{testDelta(0, "sess_1", 10)}
	source.On("CollectDeltas", mock.Anything, 0).Return(deltas, nil)
	store.On("InsertDeltas", mock.Anything, deltas).Return(1, nil)

	config := testManagerConfig()
	config.Interval = time.Hour // only the shutdown path flushes

	m := NewManager(store, []Source{source}, config, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	store.AssertCalled(t, "InsertDeltas", mock.Anything, deltas)
}

func TestManager_RecoverSeedsSourcesAboveWatermark(t *testing.T) {
	store := new(MockRollupStore)
	source := new(MockSource)

	source.On("RollupType").Return(repository.RollupTypeSession)
	source.On("ShardCount").Return(1)

	deltas := []*repository.DeltaRecord{testDelta(0, "sess_1", 42), testDelta(0, "sess_2", 43)}
	store.On("Watermark", mock.Anything, uint32(0), repository.RollupTypeSession).Return(uint64(41), nil)
	store.On("DeltasSince", mock.Anything, uint32(0), repository.RollupTypeSession, uint64(41)).Return(deltas, nil)
	source.On("Seed", deltas).Return(nil).Once()

	m := NewManager(store, []Source{source}, testManagerConfig(), zap.NewNop())

	assert.NoError(t, m.Recover(context.Background()))
	source.AssertExpectations(t)
}

func TestManager_RecoverSkipsEmptyShards(t *testing.T) {
	store := new(MockRollupStore)
	source := new(MockSource)

	source.On("RollupType").Return(repository.RollupTypeSession)
	source.On("ShardCount").Return(2)

	store.On("Watermark", mock.Anything, mock.Anything, repository.RollupTypeSession).Return(uint64(0), nil)
	store.On("DeltasSince", mock.Anything, mock.Anything, repository.RollupTypeSession, uint64(0)).Return(nil, nil)

	m := NewManager(store, []Source{source}, testManagerConfig(), zap.NewNop())

	assert.NoError(t, m.Recover(context.Background()))
	source.AssertNotCalled(t, "Seed", mock.Anything)
}

// Crash-and-restart round trip: deltas flushed from a live user
// aggregator rebuild an identical rollup through Recover.
func TestManager_RecoverRestoresUserAggregatorState(t *testing.T) {
	ctx := context.Background()

	live, err := user.NewAggregator(user.Config{
		Shards: 1, QueueSize: 16, LedgerSize: 100, LedgerTTL: time.Hour,
	}, zap.NewNop())
	assert.NoError(t, err)

	lctx, lcancel := context.WithCancel(context.Background())
	go live.Start(lctx)

	assert.NoError(t, live.Apply(ctx, &domain.SessionRollup{
		SessionID: "sess_1", UserID: "user_1", SessionDuration: 120,
		TotalEvents: 10, ClickCount: 3, Region: "eu-west",
		AccountType: domain.AccountTypePaid, Finalized: true,
	}))
	assert.NoError(t, live.Apply(ctx, &domain.SessionRollup{
		SessionID: "sess_2", UserID: "user_1", SessionDuration: 60,
		TotalEvents: 5, ClickCount: 1, Region: "eu-west",
		AccountType: domain.AccountTypePaid, Finalized: true,
	}))

	deltas, err := live.CollectDeltas(ctx, 0)
	assert.NoError(t, err)
	lcancel()

	store := new(MockRollupStore)
	store.On("Watermark", mock.Anything, uint32(0), repository.RollupTypeUser).Return(uint64(0), nil)
	store.On("DeltasSince", mock.Anything, uint32(0), repository.RollupTypeUser, uint64(0)).Return(deltas, nil)

	restored, err := user.NewAggregator(user.Config{
		Shards: 1, QueueSize: 16, LedgerSize: 100, LedgerTTL: time.Hour,
	}, zap.NewNop())
	assert.NoError(t, err)

	m := NewManager(store, []Source{restored}, testManagerConfig(), zap.NewNop())
	assert.NoError(t, m.Recover(ctx))

	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	go restored.Start(rctx)

	rollup, err := restored.Get(rctx, "user_1")
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), rollup.SessionCount)
	assert.Equal(t, int64(180), rollup.SumSessionDuration)
	assert.Equal(t, uint64(15), rollup.SumTotalEvents)
	assert.Equal(t, uint64(4), rollup.SumClickCount)
}

// Cross-tier crash recovery: a session finalized and applied to the
// user tier in memory, whose session delta was durably flushed but
// whose user delta was not, must still reach the UserRollup after both
// tiers recover.
func TestManager_RecoverReplaysFinalizedSessionsIntoUserTier(t *testing.T) {
	ctx := context.Background()

	dims := dimension.NewCache(zap.NewNop())
	dims.Invalidate(&domain.UserDimension{
		UserID: "user_1", Region: "eu-west", AccountType: domain.AccountTypePaid, Version: 1,
	})

	userConfig := user.Config{Shards: 1, QueueSize: 16, LedgerSize: 100, LedgerTTL: time.Hour}
	sessionConfig := session.Config{
		Shards:               1,
		QueueSize:            64,
		GraceWindow:          20 * time.Millisecond,
		PendingDimensionWait: 100 * time.Millisecond,
		PendingDimensionCap:  10,
		EmitRetries:          3,
		MaxSessionLifetime:   time.Hour,
		TickInterval:         10 * time.Millisecond,
	}

	liveUser, err := user.NewAggregator(userConfig, zap.NewNop())
	assert.NoError(t, err)
	liveSession, err := session.NewAggregator(sessionConfig, dims, liveUser, zap.NewNop())
	assert.NoError(t, err)

	lctx, lcancel := context.WithCancel(context.Background())
	go liveUser.Start(lctx)
	go liveSession.Start(lctx)

	start := time.Now().Unix() - 120
	assert.NoError(t, liveSession.RouteSession(ctx, &domain.SessionRecord{
		SessionID: "sess_1", UserID: "user_1", StartTime: start,
	}))
	assert.NoError(t, liveSession.RouteEvent(ctx, &domain.SessionEvent{
		SessionID: "sess_1", EventType: domain.EventTypeClick, Timestamp: start + 1, DedupKey: "key-1",
	}))
	assert.NoError(t, liveSession.RouteSession(ctx, &domain.SessionRecord{
		SessionID: "sess_1", UserID: "user_1", StartTime: start, EndTime: start + 120,
	}))

	assert.Eventually(t, func() bool {
		_, err := liveUser.Get(ctx, "user_1")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	// Only the session deltas become durable; the user deltas are lost
	// with the crash.
	sessionDeltas, err := liveSession.CollectDeltas(ctx, 0)
	assert.NoError(t, err)
	assert.NotEmpty(t, sessionDeltas)
	lcancel()

	store := new(MockRollupStore)
	store.On("Watermark", mock.Anything, uint32(0), repository.RollupTypeSession).Return(uint64(0), nil)
	store.On("DeltasSince", mock.Anything, uint32(0), repository.RollupTypeSession, uint64(0)).Return(sessionDeltas, nil)
	store.On("Watermark", mock.Anything, uint32(0), repository.RollupTypeUser).Return(uint64(0), nil)
	store.On("DeltasSince", mock.Anything, uint32(0), repository.RollupTypeUser, uint64(0)).Return(nil, nil)

	restoredUser, err := user.NewAggregator(userConfig, zap.NewNop())
	assert.NoError(t, err)
	restoredSession, err := session.NewAggregator(sessionConfig, dims, restoredUser, zap.NewNop())
	assert.NoError(t, err)

	m := NewManager(store, []Source{restoredSession, restoredUser}, testManagerConfig(), zap.NewNop())
	assert.NoError(t, m.Recover(ctx))

	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	go restoredUser.Start(rctx)
	go restoredSession.Start(rctx)

	assert.Eventually(t, func() bool {
		rollup, err := restoredUser.Get(rctx, "user_1")
		return err == nil && rollup.SessionCount == 1
	}, time.Second, 10*time.Millisecond)

	rollup, err := restoredUser.Get(rctx, "user_1")
	assert.NoError(t, err)
	assert.Equal(t, int64(120), rollup.SumSessionDuration)
	assert.Equal(t, uint64(1), rollup.SumTotalEvents)
	assert.Equal(t, uint64(1), rollup.SumClickCount)
}
