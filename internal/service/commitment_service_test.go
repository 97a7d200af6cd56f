package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
	"pravardha-anchor/internal/ledger"
	"pravardha-anchor/internal/merkle"
	"pravardha-anchor/internal/metrics"
)

func windowReadings(start time.Time) []domain.Reading {
	return []domain.Reading{
		{ID: "r-2", DeviceID: "dev-1", Timestamp: start.Add(2 * time.Minute), Temperature: f64(23.1), Humidity: f64(51)},
		{ID: "r-1", DeviceID: "dev-1", Timestamp: start.Add(time.Minute), Temperature: f64(22.9), Pressure: f64(1013.25)},
		{ID: "r-3", DeviceID: "dev-1", Timestamp: start.Add(14 * time.Minute), GasADC: f64(410)},
		// 下一个窗口的读数
		{ID: "r-4", DeviceID: "dev-1", Timestamp: start.Add(domain.WindowDuration), Temperature: f64(30)},
		// 其他设备
		{ID: "r-5", DeviceID: "dev-2", Timestamp: start.Add(time.Minute), Temperature: f64(10)},
	}
}

func newTestCommitmentService(store *memStore, l ledger.Ledger) *CommitmentService {
	return NewCommitmentService(store, store, store, l, testDeriver, metrics.New(), zap.NewNop())
}

func TestComputeRoot_StoresRootOfWindowReadings(t *testing.T) {
	store := seedStore(nil)
	store.addReadings(windowReadings(testStart)...)
	svc := newTestCommitmentService(store, nil)

	start := testStart
	res, err := svc.ComputeRoot(context.Background(), "dev-1", &start)
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, 3, res.Commitment.LeafCount)

	expected, err := merkle.Build(windowReadings(testStart)[:3])
	require.NoError(t, err)
	assert.Equal(t, expected.Root, res.Commitment.Root)

	w, _ := store.GetWindow(context.Background(), "dev-1", testStart)
	assert.Equal(t, expected.Root, w.MerkleRoot)

	// 再次计算：根不变，不写库
	res, err = svc.ComputeRoot(context.Background(), "dev-1", &start)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
}

func TestComputeRoot_LatestWindow(t *testing.T) {
	store := seedStore(nil, nil)
	latest := testStart.Add(domain.WindowDuration)
	store.addReadings(domain.Reading{ID: "late", DeviceID: "dev-1", Timestamp: latest.Add(time.Minute), Temperature: f64(1)})
	svc := newTestCommitmentService(store, nil)

	res, err := svc.ComputeRoot(context.Background(), "dev-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Window.WindowStart.Equal(latest))
	assert.Equal(t, 1, res.Commitment.LeafCount)
}

func TestComputeRoot_EmptyWindowNeverAnchorable(t *testing.T) {
	store := seedStore(nil)
	svc := newTestCommitmentService(store, nil)

	start := testStart
	_, err := svc.ComputeRoot(context.Background(), "dev-1", &start)
	require.Error(t, err)
	assert.True(t, domain.IsPrecondition(err))
	assert.ErrorIs(t, err, domain.ErrEmptyWindow)

	w, _ := store.GetWindow(context.Background(), "dev-1", testStart)
	assert.Nil(t, w.MerkleRoot)

	anchor := newTestAnchorService(store, &mockLedger{})
	_, err = anchor.Anchor(context.Background(), "dev-1", testStart)
	assert.True(t, domain.IsPrecondition(err))
}

func TestComputeRoot_MalformedReading(t *testing.T) {
	store := seedStore(nil)
	store.addReadings(domain.Reading{ID: "bad", DeviceID: "dev-1", Timestamp: testStart.Add(time.Minute), Temperature: f64(math.NaN())})
	svc := newTestCommitmentService(store, nil)

	start := testStart
	_, err := svc.ComputeRoot(context.Background(), "dev-1", &start)

	var pe *domain.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "dev-1", pe.Key.DeviceID)
}

func TestComputeRoot_RefusesToChangeAnchoredRoot(t *testing.T) {
	store := seedStore(testRoot(0xab))
	store.windows["w-0415"].IsAnchored = true
	store.addReadings(windowReadings(testStart)...)
	svc := newTestCommitmentService(store, nil)

	start := testStart
	_, err := svc.ComputeRoot(context.Background(), "dev-1", &start)
	assert.True(t, domain.IsPrecondition(err))
	assert.ErrorIs(t, err, domain.ErrAlreadyAnchored)

	w, _ := store.GetWindow(context.Background(), "dev-1", testStart)
	assert.Equal(t, testRoot(0xab), w.MerkleRoot)
}

func TestVerifyWindow_EndToEnd(t *testing.T) {
	store := seedStore(nil)
	store.addReadings(windowReadings(testStart)...)
	l := newSQLiteLedger(t)
	commitments := newTestCommitmentService(store, l)
	anchors := newTestAnchorService(store, l)
	ctx := context.Background()

	start := testStart
	_, err := commitments.ComputeRoot(ctx, "dev-1", &start)
	require.NoError(t, err)

	check, err := commitments.VerifyWindow(ctx, "dev-1", testStart)
	require.NoError(t, err)
	assert.True(t, check.RootMatches)
	assert.False(t, check.LedgerChecked)
	assert.True(t, check.Verified())

	_, err = anchors.Anchor(ctx, "dev-1", testStart)
	require.NoError(t, err)

	check, err = commitments.VerifyWindow(ctx, "dev-1", testStart)
	require.NoError(t, err)
	assert.True(t, check.LedgerChecked)
	assert.True(t, check.LedgerMatches)
	assert.Equal(t, winAddr.String(), check.LedgerAddress)
	assert.True(t, check.Verified())

	// 篡改一条读数后重新校验
	store.readings[0].Temperature = f64(99)
	check, err = commitments.VerifyWindow(ctx, "dev-1", testStart)
	require.NoError(t, err)
	assert.False(t, check.RootMatches)
	assert.True(t, check.LedgerMatches)
	assert.False(t, check.Verified())
}

func TestVerifyWindow_LedgerMissingCommitment(t *testing.T) {
	store := seedStore(testRoot(0xab))
	store.windows["w-0415"].IsAnchored = true
	l := &mockLedger{}
	l.On("GetCommitment", mock.Anything, winAddr).Return(nil, &domain.NotFoundError{Kind: "address", Ref: winAddr.String()})
	svc := newTestCommitmentService(store, l)

	check, err := svc.VerifyWindow(context.Background(), "dev-1", testStart)
	require.NoError(t, err)
	assert.True(t, check.LedgerChecked)
	assert.False(t, check.LedgerMatches)
	assert.False(t, check.Verified())
}

func TestVerifyWindow_MalformedReadingCarriesWindowKey(t *testing.T) {
	store := seedStore(testRoot(0xab))
	store.addReadings(domain.Reading{ID: "bad", DeviceID: "dev-1", Timestamp: testStart.Add(time.Minute), Humidity: f64(math.Inf(1))})
	svc := newTestCommitmentService(store, nil)

	_, err := svc.VerifyWindow(context.Background(), "dev-1", testStart)

	var pe *domain.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "dev-1", pe.Key.DeviceID)
	assert.True(t, testStart.Equal(pe.Key.WindowStart))
}
