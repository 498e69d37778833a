package trading

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anupamvm/mCube-ai-sub004/internal/broker"
	apperrors "github.com/Anupamvm/mCube-ai-sub004/internal/errors"
	"github.com/Anupamvm/mCube-ai-sub004/internal/models"
)

func openPosition() models.Position {
	return models.Position{
		Symbol:        "SBIN",
		Exchange:      models.NSE,
		Product:       models.ProductMIS,
		Quantity:      100,
		BuyQty:        100,
		AveragePrice:  decimal.NewFromInt(500),
		LTP:           decimal.NewFromFloat(505.25),
		UnrealizedPnL: decimal.NewFromInt(525),
		Multiplier:    1,
		Broker:        models.BrokerPaper,
	}
}

func TestSyncerPositions(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	m.positions = []models.Position{openPosition()}
	rec := &memRecorder{}
	s := NewSyncer(mockRegistry(m), rec, zerolog.Nop())

	got, err := s.Positions(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "SBIN", got[0].Symbol)
	assert.True(t, got[0].UnrealizedPnL.Equal(decimal.NewFromInt(525)))

	assert.Equal(t, 1, m.loginCalls, "first use must log in")
	require.Len(t, rec.positions, 1)
	assert.Len(t, rec.positions[0], 1)
}

func TestSyncerPositionsRecomputesPnL(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	pos := openPosition()
	pos.UnrealizedPnL = decimal.NewFromInt(9000) // broker float drift
	m.positions = []models.Position{pos}

	var buf bytes.Buffer
	s := NewSyncer(mockRegistry(m), nil, zerolog.New(&buf))

	got, err := s.Positions(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].UnrealizedPnL.Equal(decimal.NewFromInt(525)),
		"broker P&L must be replaced by (LTP-avg)*qty, got %s", got[0].UnrealizedPnL)
	assert.Contains(t, buf.String(), "Recomputed unrealized")
}

func TestSyncerPositionsFlagsInconsistentBook(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	pos := openPosition()
	pos.Quantity = 60 // disagrees with BuyQty 100, SellQty 0
	pos.UnrealizedPnL = decimal.NewFromInt(315)
	m.positions = []models.Position{pos}

	var buf bytes.Buffer
	s := NewSyncer(mockRegistry(m), nil, zerolog.New(&buf))

	got, err := s.Positions(context.Background(), key)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "disagrees with its buy/sell counts")
	assert.Equal(t, 60, got[0].Quantity, "the broker quantity is reported, not silently rewritten")
}

func TestSyncerPositionsRetriesAfterExpiry(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	m.positions = []models.Position{openPosition()}
	m.pos.errs = []error{apperrors.NewSessionExpiredError(string(key.Broker), "TokenException", nil)}
	s := NewSyncer(mockRegistry(m), nil, zerolog.Nop())

	got, err := s.Positions(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 2, m.pos.calls)
	assert.Equal(t, 1, m.refreshCalls)
}

func TestSyncerPositionsBrokerFailure(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	m.pos.errs = []error{apperrors.NewBrokerAPIError(string(key.Broker), "NetworkException", 503, "gateway down", nil)}
	rec := &memRecorder{}
	s := NewSyncer(mockRegistry(m), rec, zerolog.Nop())

	got, err := s.Positions(context.Background(), key)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Empty(t, rec.positions, "nothing is recorded on a failed fetch")
	assert.Zero(t, m.refreshCalls, "broker outages are not session problems")
}

func TestSyncerMargins(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	rec := &memRecorder{}
	s := NewSyncer(mockRegistry(m), rec, zerolog.Nop())

	margin, err := s.Margins(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, margin)
	assert.True(t, margin.Available.Equal(decimal.NewFromInt(250000)))
	assert.True(t, margin.Total.Equal(decimal.NewFromInt(300000)))
	require.Len(t, rec.margins, 1)
}

func TestSyncerSnapshot(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	m.positions = []models.Position{openPosition()}
	rec := &memRecorder{}
	s := NewSyncer(mockRegistry(m), rec, zerolog.Nop())

	snap, err := s.Snapshot(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, key, snap.Key)
	assert.Len(t, snap.Positions, 1)
	require.NotNil(t, snap.Margin)
	assert.WithinDuration(t, time.Now(), snap.FetchedAt, 2*time.Second)

	require.Len(t, rec.positions, 1)
	require.Len(t, rec.margins, 1)

	// Reads are idempotent: a second snapshot sees the same book.
	again, err := s.Snapshot(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, snap.Positions, again.Positions)
	assert.Equal(t, snap.Margin, again.Margin)
}

func TestSyncerSnapshotReplaysBothReadsAfterExpiry(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	m.positions = []models.Position{openPosition()}
	m.margins.errs = []error{apperrors.NewSessionExpiredError(string(key.Broker), "TokenException", nil)}
	s := NewSyncer(mockRegistry(m), nil, zerolog.Nop())

	snap, err := s.Snapshot(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, snap.Margin)
	assert.Len(t, snap.Positions, 1)

	// The margin call expired after positions succeeded; the replay
	// refetches both so the snapshot stays internally consistent.
	assert.Equal(t, 2, m.pos.calls)
	assert.Equal(t, 2, m.margins.calls)
	assert.Equal(t, 1, m.refreshCalls)
}

func TestSyncerSnapshotAllContinuesPastFailures(t *testing.T) {
	keyA := broker.AccountKey{AccountID: "ACC1", Broker: models.BrokerPaper}
	keyB := broker.AccountKey{AccountID: "ACC2", Broker: models.BrokerPaper}

	ma := newMockAdapter(keyA)
	ma.positions = []models.Position{openPosition()}
	mb := newMockAdapter(keyB)
	mb.pos.errs = []error{apperrors.NewBrokerAPIError(string(keyB.Broker), "NetworkException", 503, "gateway down", nil)}

	s := NewSyncer(mockRegistry(ma, mb), nil, zerolog.Nop())

	results := s.SnapshotAll(context.Background(), []broker.AccountKey{keyA, keyB})
	require.Len(t, results, 2)

	assert.Equal(t, keyA, results[0].Key)
	require.NoError(t, results[0].Err)
	require.NotNil(t, results[0].Snapshot)
	assert.Len(t, results[0].Snapshot.Positions, 1)

	assert.Equal(t, keyB, results[1].Key)
	require.Error(t, results[1].Err)
	assert.Nil(t, results[1].Snapshot)
}

func TestSyncerRecorderFailureTolerated(t *testing.T) {
	key := testKey()
	m := newMockAdapter(key)
	m.positions = []models.Position{openPosition()}
	rec := &memRecorder{err: apperrors.ErrTimeout}
	s := NewSyncer(mockRegistry(m), rec, zerolog.Nop())

	got, err := s.Positions(context.Background(), key)
	require.NoError(t, err, "a dead recorder must not fail the sync")
	assert.Len(t, got, 1)
}

func TestSummarizePositions(t *testing.T) {
	long := openPosition()
	flat := models.Position{
		Symbol:      "INFY",
		Exchange:    models.NSE,
		Product:     models.ProductMIS,
		RealizedPnL: decimal.NewFromFloat(120.5),
		Broker:      models.BrokerPaper,
	}
	short := models.Position{
		Symbol:        "TCS",
		Exchange:      models.NSE,
		Product:       models.ProductMIS,
		Quantity:      -50,
		SellQty:       50,
		AveragePrice:  decimal.NewFromInt(3000),
		LTP:           decimal.NewFromFloat(3001.51),
		UnrealizedPnL: decimal.NewFromFloat(-75.5),
		RealizedPnL:   decimal.NewFromInt(30),
		Broker:        models.BrokerPaper,
	}

	summary := SummarizePositions([]models.Position{long, flat, short})
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Open)
	assert.True(t, summary.TotalUnrealized.Equal(decimal.NewFromFloat(449.5)),
		"unrealized total %s", summary.TotalUnrealized)
	assert.True(t, summary.TotalRealized.Equal(decimal.NewFromFloat(150.5)),
		"realized total %s", summary.TotalRealized)

	empty := SummarizePositions(nil)
	assert.Zero(t, empty.Total)
	assert.True(t, empty.TotalUnrealized.IsZero())
}
