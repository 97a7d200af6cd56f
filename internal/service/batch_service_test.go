package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
	"pravardha-anchor/internal/metrics"
)

func newTestBatchService(store *memStore, n *recordingNotifier) *BatchService {
	if n == nil {
		return NewBatchService(store, store, store, nil, metrics.New(), zap.NewNop())
	}
	return NewBatchService(store, store, store, n, metrics.New(), zap.NewNop())
}

func createTestBatch(t *testing.T, svc *BatchService, windows int) *domain.Batch {
	t.Helper()
	b, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		DeviceID: "dev-1",
		Name:     "Lot 42",
		StartTS:  testStart,
		EndTS:    testStart.Add(time.Duration(windows)*domain.WindowDuration - time.Second),
	})
	require.NoError(t, err)
	return b
}

func anchorWindow(store *memStore, i int) {
	start := testStart.Add(time.Duration(i) * domain.WindowDuration)
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, w := range store.windows {
		if w.WindowStart.Equal(start) {
			w.IsAnchored = true
			w.AnchorTxRef = "tx"
		}
	}
}

func TestCreateBatch(t *testing.T) {
	store := seedStore()
	svc := newTestBatchService(store, nil)

	b, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		DeviceID: "dev-1",
		Name:     "  Lot 42 ",
		StartTS:  testStart,
		EndTS:    testStart.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "Lot 42", b.Name)
	assert.Equal(t, domain.BatchStatusOpen, b.Status)

	stored, err := store.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusOpen, stored.Status)
}

func TestCreateBatch_Validation(t *testing.T) {
	store := seedStore()
	svc := newTestBatchService(store, nil)
	ctx := context.Background()

	_, err := svc.CreateBatch(ctx, CreateBatchRequest{DeviceID: "dev-1", StartTS: testStart, EndTS: testStart})
	assert.True(t, domain.IsPrecondition(err))

	_, err = svc.CreateBatch(ctx, CreateBatchRequest{DeviceID: "dev-1", StartTS: testStart, EndTS: testStart.Add(-time.Hour)})
	assert.True(t, domain.IsPrecondition(err))

	_, err = svc.CreateBatch(ctx, CreateBatchRequest{StartTS: testStart, EndTS: testStart.Add(time.Hour)})
	assert.True(t, domain.IsPrecondition(err))

	_, err = svc.CreateBatch(ctx, CreateBatchRequest{DeviceID: "dev-404", StartTS: testStart, EndTS: testStart.Add(time.Hour)})
	assert.True(t, domain.IsNotFound(err))
}

func TestVerifyBatch_PartialThenFull(t *testing.T) {
	store := seedStore(testRoot(1), testRoot(2), testRoot(3), testRoot(4))
	svc := newTestBatchService(store, nil)
	b := createTestBatch(t, svc, 4)
	anchorWindow(store, 0)
	anchorWindow(store, 1)
	anchorWindow(store, 2)

	v, err := svc.VerifyBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, v.TotalWindows)
	assert.Equal(t, 3, v.AnchoredCount)
	assert.Equal(t, domain.VerdictPartiallyVerified, v.Verdict)
	assert.False(t, v.NoData)

	anchorWindow(store, 3)
	v, err = svc.VerifyBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, v.AnchoredCount)
	assert.Equal(t, domain.VerdictFullyVerified, v.Verdict)
	require.NotNil(t, v.Summary)
	assert.Equal(t, 180, v.Summary.TotalSamples)
	assert.Equal(t, 22.5, *v.Summary.Temperature.Avg)
	assert.Nil(t, v.Summary.Pressure.Avg)
}

func TestVerifyBatch_RangeIsInclusive(t *testing.T) {
	store := seedStore(testRoot(1), testRoot(2), testRoot(3))
	svc := newTestBatchService(store, nil)
	// end_ts 恰好等于第 3 个窗口的起点
	b, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		DeviceID: "dev-1",
		StartTS:  testStart,
		EndTS:    testStart.Add(2 * domain.WindowDuration),
	})
	require.NoError(t, err)

	v, err := svc.VerifyBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, v.TotalWindows)
}

// overreachingStore 忽略查询区间，返回设备的全部窗口
type overreachingStore struct {
	*memStore
}

func (s overreachingStore) ListWindowsInRange(ctx context.Context, deviceID string, _, _ time.Time) ([]*domain.AggregateWindow, error) {
	return s.memStore.ListWindowsInRange(ctx, deviceID, testStart.Add(-24*time.Hour), testStart.Add(24*time.Hour))
}

func TestVerifyBatch_DropsWindowsOutsideRange(t *testing.T) {
	store := seedStore(testRoot(1), testRoot(2), testRoot(3), testRoot(4))
	anchorWindow(store, 0)
	anchorWindow(store, 1)
	svc := NewBatchService(store, overreachingStore{store}, store, nil, metrics.New(), zap.NewNop())
	b := createTestBatch(t, svc, 2)

	v, err := svc.VerifyBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v.TotalWindows)
	assert.Equal(t, 2, v.AnchoredCount)
	assert.Equal(t, domain.VerdictFullyVerified, v.Verdict)
	require.Len(t, v.Windows, 2)
	for _, w := range v.Windows {
		assert.True(t, b.Contains(w.WindowStart))
	}
	require.NotNil(t, v.Summary)
	assert.Equal(t, 90, v.Summary.TotalSamples)
}

func TestVerifyBatch_NoDataNeverFullyVerified(t *testing.T) {
	store := seedStore()
	svc := newTestBatchService(store, nil)
	b := createTestBatch(t, svc, 4)

	v, err := svc.VerifyBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, v.NoData)
	assert.Equal(t, 0, v.TotalWindows)
	assert.Equal(t, domain.VerdictPartiallyVerified, v.Verdict)
	assert.Nil(t, v.Summary)

	_, err = svc.CloseBatch(context.Background(), b.ID)
	require.NoError(t, err)
	_, err = svc.CertifyBatch(context.Background(), b.ID)
	assert.True(t, domain.IsPrecondition(err))
}

func TestVerifyBatch_IgnoresStoredStatus(t *testing.T) {
	store := seedStore(testRoot(1), testRoot(2))
	svc := newTestBatchService(store, nil)
	b := createTestBatch(t, svc, 2)
	store.batches[b.ID].Status = domain.BatchStatusCertified

	v, err := svc.VerifyBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPartiallyVerified, v.Verdict)
}

func TestCertifyBatch(t *testing.T) {
	store := seedStore(testRoot(1), testRoot(2), testRoot(3), testRoot(4))
	n := &recordingNotifier{}
	svc := newTestBatchService(store, n)
	b := createTestBatch(t, svc, 4)
	ctx := context.Background()

	// open 批次不能认证
	_, err := svc.CertifyBatch(ctx, b.ID)
	var pe *domain.PolicyError
	require.ErrorAs(t, err, &pe)

	_, err = svc.CloseBatch(ctx, b.ID)
	require.NoError(t, err)

	anchorWindow(store, 0)
	anchorWindow(store, 1)
	anchorWindow(store, 2)
	_, err = svc.CertifyBatch(ctx, b.ID)
	require.True(t, domain.IsPrecondition(err))
	assert.Contains(t, err.Error(), "3 of 4")

	anchorWindow(store, 3)
	v, err := svc.CertifyBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictFullyVerified, v.Verdict)
	assert.Equal(t, domain.BatchStatusCertified, v.Batch.Status)

	stored, err := store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCertified, stored.Status)
	require.NotNil(t, stored.TotalWindows)
	assert.Equal(t, 4, *stored.TotalWindows)
	assert.Equal(t, 180, *stored.TotalSamples)
	require.NotNil(t, stored.CertifiedAt)
	require.NotNil(t, stored.Summary)

	assert.Equal(t, []string{"batch.certified"}, n.events)
}

func TestCloseBatch(t *testing.T) {
	store := seedStore()
	svc := newTestBatchService(store, nil)
	b := createTestBatch(t, svc, 1)
	ctx := context.Background()

	closed, err := svc.CloseBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	_, err = svc.CloseBatch(ctx, b.ID)
	var pe *domain.PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.BatchStatusClosed, pe.From)

	_, err = svc.CloseBatch(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestRevokeBatch(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.BatchStatus
		allowed bool
	}{
		{"open", domain.BatchStatusOpen, true},
		{"closed", domain.BatchStatusClosed, true},
		{"certified", domain.BatchStatusCertified, false},
		{"revoked", domain.BatchStatusRevoked, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedStore()
			n := &recordingNotifier{}
			svc := newTestBatchService(store, n)
			b := createTestBatch(t, svc, 1)
			store.batches[b.ID].Status = tt.status

			revoked, err := svc.RevokeBatch(context.Background(), b.ID)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, domain.BatchStatusRevoked, revoked.Status)
				assert.Equal(t, []string{"batch.revoked"}, n.events)
				return
			}
			var pe *domain.PolicyError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.From)
			assert.Equal(t, domain.BatchStatusRevoked, pe.To)
			assert.Empty(t, n.events)

			stored, _ := store.GetBatch(context.Background(), b.ID)
			assert.Equal(t, tt.status, stored.Status)
		})
	}
}

func TestTransition_ConcurrentChangeIsPolicyError(t *testing.T) {
	store := seedStore()
	svc := newTestBatchService(store, nil)
	b := createTestBatch(t, svc, 1)

	stale := *b
	_, err := svc.RevokeBatch(context.Background(), b.ID)
	require.NoError(t, err)

	// 以过期的 open 状态再做一次条件转换
	err = svc.transition(context.Background(), &stale, domain.BatchStatusClosed, testStart)
	var pe *domain.PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "concurrently")
}
