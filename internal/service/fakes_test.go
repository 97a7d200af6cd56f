package service

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"pravardha-anchor/internal/domain"
	"pravardha-anchor/internal/ledger"
	"pravardha-anchor/internal/notify"
	"pravardha-anchor/internal/repository"
)

// memStore 内存实现，条件更新语义与 Postgres 实现一致
type memStore struct {
	mu       sync.Mutex
	readings []domain.Reading
	windows  map[string]*domain.AggregateWindow
	batches  map[string]*domain.Batch
	devices  map[string]*domain.DeviceIdentity

	markAnchoredErr error
	markCalls       int
}

var (
	_ repository.ReadingRepository = (*memStore)(nil)
	_ repository.WindowRepository  = (*memStore)(nil)
	_ repository.BatchRepository   = (*memStore)(nil)
	_ repository.DeviceRepository  = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		windows: map[string]*domain.AggregateWindow{},
		batches: map[string]*domain.Batch{},
		devices: map[string]*domain.DeviceIdentity{},
	}
}

func (m *memStore) addDevice(d *domain.DeviceIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.DeviceID] = d
}

func (m *memStore) addWindow(w *domain.AggregateWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w.ID] = w
}

func (m *memStore) addReadings(rs ...domain.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, rs...)
}

func cloneWindow(w *domain.AggregateWindow) *domain.AggregateWindow {
	c := *w
	if w.MerkleRoot != nil {
		c.MerkleRoot = append([]byte(nil), w.MerkleRoot...)
	}
	return &c
}

func (m *memStore) ListReadings(_ context.Context, deviceID string, start, end time.Time) ([]domain.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Reading
	for _, r := range m.readings {
		if r.DeviceID == deviceID && !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetWindow(_ context.Context, deviceID string, windowStart time.Time) (*domain.AggregateWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if w.DeviceID == deviceID && w.WindowStart.Equal(windowStart) {
			return cloneWindow(w), nil
		}
	}
	return nil, &domain.NotFoundError{Kind: "window", Ref: domain.WindowKey{DeviceID: deviceID, WindowStart: windowStart}.String()}
}

func (m *memStore) GetLatestWindow(_ context.Context, deviceID string) (*domain.AggregateWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.AggregateWindow
	for _, w := range m.windows {
		if w.DeviceID == deviceID && (latest == nil || w.WindowStart.After(latest.WindowStart)) {
			latest = w
		}
	}
	if latest == nil {
		return nil, &domain.NotFoundError{Kind: "window", Ref: "latest for device " + deviceID}
	}
	return cloneWindow(latest), nil
}

func (m *memStore) sorted(keep func(*domain.AggregateWindow) bool) []*domain.AggregateWindow {
	var out []*domain.AggregateWindow
	for _, w := range m.windows {
		if keep(w) {
			out = append(out, cloneWindow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	return out
}

func (m *memStore) ListWindowsInRange(_ context.Context, deviceID string, from, to time.Time) ([]*domain.AggregateWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(w *domain.AggregateWindow) bool {
		return w.DeviceID == deviceID && !w.WindowStart.Before(from) && !w.WindowStart.After(to)
	}), nil
}

func (m *memStore) ListPendingWindows(_ context.Context, deviceID string, limit int) ([]*domain.AggregateWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(w *domain.AggregateWindow) bool {
		return w.DeviceID == deviceID && w.MerkleRoot != nil && !w.IsAnchored
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) SetMerkleRoot(_ context.Context, windowID string, root []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[windowID]
	if !ok {
		return &domain.NotFoundError{Kind: "window", Ref: windowID}
	}
	if w.IsAnchored {
		return domain.ErrAlreadyAnchored
	}
	w.MerkleRoot = append([]byte(nil), root...)
	return nil
}

func (m *memStore) MarkAnchored(_ context.Context, windowID string, root []byte, txRef, address string, anchoredAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	if m.markAnchoredErr != nil {
		return false, m.markAnchoredErr
	}
	w, ok := m.windows[windowID]
	if !ok || w.IsAnchored || w.MerkleRoot == nil || !bytes.Equal(w.MerkleRoot, root) {
		return false, nil
	}
	w.IsAnchored = true
	w.AnchorTxRef = txRef
	w.AnchorAddress = address
	w.AnchoredAt = &anchoredAt
	return true, nil
}

func (m *memStore) CreateBatch(_ context.Context, b *domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *b
	m.batches[b.ID] = &c
	return nil
}

func (m *memStore) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "batch", Ref: batchID}
	}
	c := *b
	return &c, nil
}

func (m *memStore) TransitionStatus(_ context.Context, batchID string, from, to domain.BatchStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	if to == domain.BatchStatusClosed {
		b.ClosedAt = &at
	}
	return true, nil
}

func (m *memStore) SaveCertification(_ context.Context, batchID string, summary domain.Summary, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.Status != domain.BatchStatusClosed {
		return false, nil
	}
	b.Status = domain.BatchStatusCertified
	b.TotalWindows = &summary.TotalWindows
	b.TotalSamples = &summary.TotalSamples
	b.Summary = &summary
	b.CertifiedAt = &at
	return true, nil
}

func (m *memStore) GetDevice(_ context.Context, deviceID string) (*domain.DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "device", Ref: deviceID}
	}
	c := *d
	return &c, nil
}

// mockLedger testify mock
type mockLedger struct {
	mock.Mock
}

var _ ledger.Ledger = (*mockLedger)(nil)

func (m *mockLedger) Exists(ctx context.Context, addr ledger.Address) (bool, error) {
	args := m.Called(ctx, addr)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) RegisterDevice(ctx context.Context, reg ledger.Registration) (string, error) {
	args := m.Called(ctx, reg)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) SubmitCommitment(ctx context.Context, sub ledger.Submission) (string, error) {
	args := m.Called(ctx, sub)
	return args.String(0), args.Error(1)
}

func (m *mockLedger) GetCommitment(ctx context.Context, addr ledger.Address) (*ledger.Commitment, error) {
	args := m.Called(ctx, addr)
	c, _ := args.Get(0).(*ledger.Commitment)
	return c, args.Error(1)
}

// recordingNotifier 记录事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e.Type)
	return n.err
}

func f64(v float64) *float64 { return &v }
