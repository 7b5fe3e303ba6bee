package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockStore struct {
	updates   []map[string]any
	updateErr error

	pushed  []any
	pushErr error
}

func (m *mockStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

func (m *mockStore) Set(ctx context.Context, path string, value any) error { return nil }

func (m *mockStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, fields)
	return nil
}

func (m *mockStore) Push(ctx context.Context, collection string, record any) (string, error) {
	if m.pushErr != nil {
		return "", m.pushErr
	}
	m.pushed = append(m.pushed, record)
	return fmt.Sprintf("id-%d", len(m.pushed)), nil
}

func (m *mockStore) Close() error { return nil }

func newQueue(t *testing.T, store *mockStore) *Queue {
	t.Helper()
	q, err := New(Config{Store: store, Logger: &mockLogger{}})
	require.NoError(t, err)
	return q
}

func TestFlushWritesMultiPathUpdateAndTrades(t *testing.T) {
	store := &mockStore{}
	q := newQueue(t, store)

	q.QueueUserUpdate("u1", map[string]any{"balance": 120.5, "total_pnl": 4.2})
	q.QueueUserUpdate("u2", map[string]any{"balance": 80.0})
	q.QueueTrade(domain.Trade{UserID: "u1", Symbol: "ETHUSDT", PNL: 4.2})

	require.NoError(t, q.Flush(context.Background()))

	require.Len(t, store.updates, 1)
	assert.Equal(t, map[string]any{
		"users/u1/balance":   120.5,
		"users/u1/total_pnl": 4.2,
		"users/u2/balance":   80.0,
	}, store.updates[0])
	require.Len(t, store.pushed, 1)

	users, trades := q.Pending()
	assert.Zero(t, users)
	assert.Zero(t, trades)
}

func TestLastWritePerFieldWins(t *testing.T) {
	store := &mockStore{}
	q := newQueue(t, store)

	q.QueueUserUpdate("u1", map[string]any{"balance": 100.0})
	q.QueueUserUpdate("u1", map[string]any{"balance": 90.0, "is_running": true})

	require.NoError(t, q.Flush(context.Background()))

	require.Len(t, store.updates, 1)
	assert.Equal(t, 90.0, store.updates[0]["users/u1/balance"])
	assert.Equal(t, true, store.updates[0]["users/u1/is_running"])
}

func TestShouldFlushOnInterval(t *testing.T) {
	q := newQueue(t, &mockStore{})

	now := time.Now()
	q.now = func() time.Time { return now }
	q.lastFlush = now

	assert.False(t, q.ShouldFlush())

	now = now.Add(181 * time.Second)
	assert.True(t, q.ShouldFlush())
}

func TestShouldFlushOnEmergencyThresholds(t *testing.T) {
	q := newQueue(t, &mockStore{})
	q.lastFlush = time.Now() // interval not elapsed

	for i := 0; i < defaultMaxPendingUsers; i++ {
		q.QueueUserUpdate(fmt.Sprintf("u%d", i), map[string]any{"balance": 1.0})
	}
	assert.True(t, q.ShouldFlush(), "user-update threshold")

	q2 := newQueue(t, &mockStore{})
	q2.lastFlush = time.Now()
	for i := 0; i < defaultMaxPendingTrades; i++ {
		q2.QueueTrade(domain.Trade{UserID: "u1"})
	}
	assert.True(t, q2.ShouldFlush(), "trade threshold")
}

func TestFailedFlushRetainsPendingData(t *testing.T) {
	store := &mockStore{updateErr: errors.New("store down")}
	q := newQueue(t, store)

	q.QueueUserUpdate("u1", map[string]any{"balance": 100.0})
	q.QueueTrade(domain.Trade{UserID: "u1"})

	require.Error(t, q.Flush(context.Background()))
	users, trades := q.Pending()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, trades)

	// the retry flushes the same batch
	store.updateErr = nil
	require.NoError(t, q.Flush(context.Background()))
	require.Len(t, store.updates, 1)
	require.Len(t, store.pushed, 1)
	users, trades = q.Pending()
	assert.Zero(t, users)
	assert.Zero(t, trades)
}

func TestFailedTradePushRetainsRemainingTrades(t *testing.T) {
	store := &mockStore{pushErr: errors.New("store down")}
	q := newQueue(t, store)

	q.QueueTrade(domain.Trade{UserID: "u1"})
	q.QueueTrade(domain.Trade{UserID: "u2"})

	require.Error(t, q.Flush(context.Background()))
	_, trades := q.Pending()
	assert.Equal(t, 2, trades)
}

func TestEmptyFlushIsNoop(t *testing.T) {
	store := &mockStore{}
	q := newQueue(t, store)

	require.NoError(t, q.Flush(context.Background()))
	require.NoError(t, q.Flush(context.Background()))
	assert.Empty(t, store.updates)
	assert.Empty(t, store.pushed)
}
