package intake

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
)

// MockRouter is a mock implementation of Router
type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) RouteEvent(ctx context.Context, event *domain.SessionEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockRouter) RouteSession(ctx context.Context, record *domain.SessionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockRouter) ShardCount() int {
	args := m.Called()
	return args.Int(0)
}

func newTestIntake(t *testing.T, router Router) *Intake {
	t.Helper()

	i, err := NewIntake(Config{
		DedupWindowSize:    100,
		SessionWindowSize:  100,
		MaxSessionLifetime: 24 * time.Hour,
		GraceWindow:        30 * time.Second,
	}, router, nil, zap.NewNop())
	assert.NoError(t, err)
	return i
}

func openSession(t *testing.T, i *Intake, router *MockRouter, sessionID, userID string, start int64) {
	t.Helper()

	router.On("RouteSession", mock.Anything, mock.Anything).Return(nil).Once()
	err := i.Ingest(context.Background(), &Record{Session: &domain.SessionRecord{
		SessionID: sessionID,
		UserID:    userID,
		StartTime: start,
	}})
	assert.NoError(t, err)
}

func TestIntake_Ingest_AcceptsAndRoutes(t *testing.T) {
	router := new(MockRouter)
	i := newTestIntake(t, router)

	now := time.Now()
	i.now = func() time.Time { return now }

	openSession(t, i, router, "sess_1", "user_1", now.Unix()-60)

	event := &domain.SessionEvent{
		SessionID: "sess_1",
		EventType: "click",
		Timestamp: now.Unix(),
		DedupKey:  "key-1",
	}
	router.On("RouteEvent", mock.Anything, event).Return(nil).Once()

	err := i.Ingest(context.Background(), &Record{Event: event})

	assert.NoError(t, err)
	router.AssertExpectations(t)
}

func TestIntake_Ingest_Duplicate(t *testing.T) {
	router := new(MockRouter)
	i := newTestIntake(t, router)

	now := time.Now()
	i.now = func() time.Time { return now }

	openSession(t, i, router, "sess_1", "user_1", now.Unix()-60)

	event := &domain.SessionEvent{
		SessionID: "sess_1",
		EventType: "page_view",
		Timestamp: now.Unix(),
		DedupKey:  "key-1",
	}
	router.On("RouteEvent", mock.Anything, event).Return(nil).Once()

	assert.NoError(t, i.Ingest(context.Background(), &Record{Event: event}))

	err := i.Ingest(context.Background(), &Record{Event: event})
	assert.True(t, errors.Is(err, domain.ErrDuplicate))

	// The second ingest must not reach the router.
	router.AssertNumberOfCalls(t, "RouteEvent", 1)
}

func TestIntake_Ingest_OrphanEvent(t *testing.T) {
	router := new(MockRouter)
	i := newTestIntake(t, router)

	now := time.Now()
	i.now = func() time.Time { return now }

	// No session ever opened for sess_3 and the event predates the
	// maximum session lifetime.
	event := &domain.SessionEvent{
		SessionID: "sess_3",
		EventType: "click",
		Timestamp: now.Add(-25 * time.Hour).Unix(),
		DedupKey:  "key-old",
	}

	err := i.Ingest(context.Background(), &Record{Event: event})

	assert.True(t, errors.Is(err, domain.ErrOrphanEvent))
	router.AssertNotCalled(t, "RouteEvent", mock.Anything, mock.Anything)
}

func TestIntake_Ingest_UnknownSessionRecentEventAccepted(t *testing.T) {
	// A recent event whose session open has not arrived yet is routed;
	// the shard creates the rollup and waits for the lifecycle record.
	router := new(MockRouter)
	i := newTestIntake(t, router)

	now := time.Now()
	i.now = func() time.Time { return now }

	event := &domain.SessionEvent{
		SessionID: "sess_4",
		EventType: "click",
		Timestamp: now.Unix(),
		DedupKey:  "key-recent",
	}
	router.On("RouteEvent", mock.Anything, event).Return(nil).Once()

	err := i.Ingest(context.Background(), &Record{Event: event})

	assert.NoError(t, err)
	router.AssertExpectations(t)
}

func TestIntake_Ingest_LateEvent(t *testing.T) {
	router := new(MockRouter)
	i := newTestIntake(t, router)

	start := time.Now()
	current := start
	i.now = func() time.Time { return current }

	openSession(t, i, router, "sess_1", "user_1", start.Unix()-120)

	// Close the session, then move past the grace window.
	router.On("RouteSession", mock.Anything, mock.Anything).Return(nil).Once()
	err := i.Ingest(context.Background(), &Record{Session: &domain.SessionRecord{
		SessionID: "sess_1",
		UserID:    "user_1",
		StartTime: start.Unix() - 120,
		EndTime:   start.Unix(),
	}})
	assert.NoError(t, err)

	current = start.Add(31 * time.Second)

	event := &domain.SessionEvent{
		SessionID: "sess_1",
		EventType: "click",
		Timestamp: start.Unix(),
		DedupKey:  "key-late",
	}
	err = i.Ingest(context.Background(), &Record{Event: event})

	assert.True(t, errors.Is(err, domain.ErrLateEvent))
	router.AssertNotCalled(t, "RouteEvent", mock.Anything, mock.Anything)
}

func TestIntake_Ingest_EventWithinGraceAccepted(t *testing.T) {
	router := new(MockRouter)
	i := newTestIntake(t, router)

	start := time.Now()
	current := start
	i.now = func() time.Time { return current }

	router.On("RouteSession", mock.Anything, mock.Anything).Return(nil).Once()
	err := i.Ingest(context.Background(), &Record{Session: &domain.SessionRecord{
		SessionID: "sess_1",
		UserID:    "user_1",
		StartTime: start.Unix() - 120,
		EndTime:   start.Unix(),
	}})
	assert.NoError(t, err)

	// Still inside the grace window: the out-of-order event lands.
	current = start.Add(10 * time.Second)

	event := &domain.SessionEvent{
		SessionID: "sess_1",
		EventType: "click",
		Timestamp: start.Unix() - 5,
		DedupKey:  "key-grace",
	}
	router.On("RouteEvent", mock.Anything, event).Return(nil).Once()

	assert.NoError(t, i.Ingest(context.Background(), &Record{Event: event}))
	router.AssertExpectations(t)
}

func TestIntake_Ingest_Malformed(t *testing.T) {
	router := new(MockRouter)
	i := newTestIntake(t, router)

	tests := []struct {
		name   string
		record *Record
	}{
		{"empty record", &Record{}},
		{"event without dedup key", &Record{Event: &domain.SessionEvent{
			SessionID: "sess_1",
			Timestamp: time.Now().Unix(),
		}}},
		{"session without user", &Record{Session: &domain.SessionRecord{
			SessionID: "sess_1",
			StartTime: time.Now().Unix(),
		}}},
		{"session end before start", &Record{Session: &domain.SessionRecord{
			SessionID: "sess_1",
			UserID:    "user_1",
			StartTime: 1000,
			EndTime:   900,
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := i.Ingest(context.Background(), tt.record)
			assert.True(t, errors.Is(err, domain.ErrMalformed))
		})
	}
}

func TestIntake_Ingest_DedupNotRecordedOnRouteFailure(t *testing.T) {
	router := new(MockRouter)
	i := newTestIntake(t, router)

	now := time.Now()
	i.now = func() time.Time { return now }

	event := &domain.SessionEvent{
		SessionID: "sess_1",
		EventType: "click",
		Timestamp: now.Unix(),
		DedupKey:  "key-retry",
	}

	router.On("RouteEvent", mock.Anything, event).Return(context.Canceled).Once()
	err := i.Ingest(context.Background(), &Record{Event: event})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrDuplicate))

	// Redelivery of the same record must succeed, not be treated as a
	// duplicate of the failed attempt.
	router.On("RouteEvent", mock.Anything, event).Return(nil).Once()
	assert.NoError(t, i.Ingest(context.Background(), &Record{Event: event}))
	router.AssertExpectations(t)
}

// fakePressure is a Backpressure whose degraded flag can be flipped
// from the test.
type fakePressure struct {
	degraded atomic.Bool
}

func (f *fakePressure) Degraded(rollupType string, shardID int) bool {
	return f.degraded.Load()
}

func TestIntake_Ingest_BlocksWhileShardDegraded(t *testing.T) {
	router := new(MockRouter)
	pressure := &fakePressure{}
	pressure.degraded.Store(true)

	i, err := NewIntake(Config{
		DedupWindowSize:    100,
		SessionWindowSize:  100,
		MaxSessionLifetime: 24 * time.Hour,
		GraceWindow:        30 * time.Second,
		BackpressureWait:   10 * time.Millisecond,
	}, router, pressure, zap.NewNop())
	assert.NoError(t, err)

	now := time.Now()
	i.now = func() time.Time { return now }

	router.On("ShardCount").Return(4)
	event := &domain.SessionEvent{
		SessionID: "sess_1",
		EventType: "click",
		Timestamp: now.Unix(),
		DedupKey:  "key-1",
	}
	router.On("RouteEvent", mock.Anything, event).Return(nil).Once()

	done := make(chan error, 1)
	go func() {
		done <- i.Ingest(context.Background(), &Record{Event: event})
	}()

	select {
	case err := <-done:
		t.Fatalf("ingest completed while shard was degraded: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	pressure.degraded.Store(false)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ingest did not resume after shard recovered")
	}
	router.AssertExpectations(t)
}

func TestIntake_Ingest_DegradedWaitHonorsContext(t *testing.T) {
	router := new(MockRouter)
	pressure := &fakePressure{}
	pressure.degraded.Store(true)

	i, err := NewIntake(Config{
		DedupWindowSize:    100,
		SessionWindowSize:  100,
		MaxSessionLifetime: 24 * time.Hour,
		GraceWindow:        30 * time.Second,
		BackpressureWait:   10 * time.Millisecond,
	}, router, pressure, zap.NewNop())
	assert.NoError(t, err)

	now := time.Now()
	i.now = func() time.Time { return now }

	router.On("ShardCount").Return(4)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = i.Ingest(ctx, &Record{Event: &domain.SessionEvent{
		SessionID: "sess_1",
		EventType: "click",
		Timestamp: now.Unix(),
		DedupKey:  "key-1",
	}})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	router.AssertNotCalled(t, "RouteEvent", mock.Anything, mock.Anything)
}
