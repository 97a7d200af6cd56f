package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
	"pravardha-anchor/internal/metrics"
	"pravardha-anchor/internal/notify"
	"pravardha-anchor/internal/repository"
	"pravardha-anchor/internal/rollup"
)

// BatchService 批次生命周期与实时验证
// 认证结论始终由窗口锚定状态实时计算，不信任 status 字段。
type BatchService struct {
	batches  repository.BatchRepository
	windows  repository.WindowRepository
	devices  repository.DeviceRepository
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewBatchService 创建 BatchService
func NewBatchService(
	batches repository.BatchRepository,
	windows repository.WindowRepository,
	devices repository.DeviceRepository,
	n notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *BatchService {
	if n == nil {
		n = notify.Nop{}
	}
	return &BatchService{
		batches:  batches,
		windows:  windows,
		devices:  devices,
		notifier: n,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateBatchRequest 创建批次请求
type CreateBatchRequest struct {
	DeviceID    string
	Name        string
	Description string
	StartTS     time.Time
	EndTS       time.Time
}

// CreateBatch opens a batch covering windows starting in [StartTS, EndTS].
func (s *BatchService) CreateBatch(ctx context.Context, req CreateBatchRequest) (*domain.Batch, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, &domain.PreconditionError{Reason: "device_id is required"}
	}
	if req.StartTS.IsZero() || req.EndTS.IsZero() {
		return nil, &domain.PreconditionError{Reason: "start_ts and end_ts are required"}
	}
	if !req.EndTS.After(req.StartTS) {
		return nil, &domain.PreconditionError{Reason: fmt.Sprintf("end_ts %s must be after start_ts %s",
			req.EndTS.UTC().Format(time.RFC3339), req.StartTS.UTC().Format(time.RFC3339))}
	}
	if _, err := s.devices.GetDevice(ctx, req.DeviceID); err != nil {
		return nil, err
	}

	b := &domain.Batch{
		ID:          uuid.New().String(),
		DeviceID:    req.DeviceID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		StartTS:     req.StartTS.UTC(),
		EndTS:       req.EndTS.UTC(),
		Status:      domain.BatchStatusOpen,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.batches.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	s.metrics.BatchTransition(string(domain.BatchStatusOpen))
	return b, nil
}

// CloseBatch open -> closed.
func (s *BatchService) CloseBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchStatusOpen {
		return nil, &domain.PolicyError{BatchID: batchID, From: b.Status, To: domain.BatchStatusClosed, Reason: "only open batches can be closed"}
	}

	at := s.now().UTC()
	if err := s.transition(ctx, b, domain.BatchStatusClosed, at); err != nil {
		return nil, err
	}
	b.ClosedAt = &at
	return b, nil
}

// CertifyBatch closed -> certified, only when every window in range is
// anchored. Stores the rollup summary with the certification.
func (s *BatchService) CertifyBatch(ctx context.Context, batchID string) (*domain.Verification, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != domain.BatchStatusClosed {
		return nil, &domain.PolicyError{BatchID: batchID, From: b.Status, To: domain.BatchStatusCertified, Reason: "only closed batches can be certified"}
	}

	v, err := s.verify(ctx, b)
	if err != nil {
		return nil, err
	}
	if v.Verdict != domain.VerdictFullyVerified {
		reason := fmt.Sprintf("batch %s is %s: %d of %d windows anchored", batchID, v.Verdict, v.AnchoredCount, v.TotalWindows)
		if v.NoData {
			reason = fmt.Sprintf("batch %s has no windows in range", batchID)
		}
		return nil, &domain.PreconditionError{Key: domain.WindowKey{DeviceID: b.DeviceID}, Reason: reason}
	}

	at := s.now().UTC()
	ok, err := s.batches.SaveCertification(ctx, batchID, *v.Summary, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.PolicyError{BatchID: batchID, From: domain.BatchStatusClosed, To: domain.BatchStatusCertified, Reason: "status changed concurrently"}
	}

	b.Status = domain.BatchStatusCertified
	b.TotalWindows = &v.Summary.TotalWindows
	b.TotalSamples = &v.Summary.TotalSamples
	b.Summary = v.Summary
	b.CertifiedAt = &at
	s.metrics.BatchTransition(string(domain.BatchStatusCertified))
	s.publish(ctx, notify.EventBatchCertified, b, at)

	s.logger.Info("Batch certified",
		zap.String("batch_id", batchID),
		zap.String("device_id", b.DeviceID),
		zap.Int("total_windows", v.TotalWindows),
		zap.Int("total_samples", v.Summary.TotalSamples),
	)
	return v, nil
}

// RevokeBatch open/closed -> revoked. Certified batches cannot be revoked.
func (s *BatchService) RevokeBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case domain.BatchStatusOpen, domain.BatchStatusClosed:
	case domain.BatchStatusCertified:
		return nil, &domain.PolicyError{BatchID: batchID, From: b.Status, To: domain.BatchStatusRevoked, Reason: "certified batches are immutable"}
	default:
		return nil, &domain.PolicyError{BatchID: batchID, From: b.Status, To: domain.BatchStatusRevoked, Reason: "batch is already revoked"}
	}

	at := s.now().UTC()
	if err := s.transition(ctx, b, domain.BatchStatusRevoked, at); err != nil {
		return nil, err
	}
	s.publish(ctx, notify.EventBatchRevoked, b, at)
	return b, nil
}

// VerifyBatch recomputes the verdict from the current anchor state of the
// windows in range. It never writes.
func (s *BatchService) VerifyBatch(ctx context.Context, batchID string) (*domain.Verification, error) {
	b, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, b)
}

func (s *BatchService) verify(ctx context.Context, b *domain.Batch) (*domain.Verification, error) {
	listed, err := s.windows.ListWindowsInRange(ctx, b.DeviceID, b.StartTS, b.EndTS)
	if err != nil {
		return nil, fmt.Errorf("list windows for batch %s: %w", b.ID, err)
	}
	windows := make([]*domain.AggregateWindow, 0, len(listed))
	for _, w := range listed {
		if w.DeviceID != b.DeviceID || !b.Contains(w.WindowStart) {
			s.logger.Warn("Ignoring window outside batch range",
				zap.String("batch_id", b.ID),
				zap.String("window_id", w.ID),
				zap.String("device_id", w.DeviceID),
				zap.Time("window_start", w.WindowStart),
			)
			continue
		}
		windows = append(windows, w)
	}

	device, err := s.devices.GetDevice(ctx, b.DeviceID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}

	anchored := 0
	for _, w := range windows {
		if w.IsAnchored {
			anchored++
		}
	}

	v := &domain.Verification{
		Batch:         b,
		Device:        device,
		Windows:       windows,
		AnchoredCount: anchored,
		TotalWindows:  len(windows),
		Verdict:       domain.ComputeVerdict(anchored, len(windows)),
		NoData:        len(windows) == 0,
		CheckedAt:     s.now().UTC(),
	}
	if !v.NoData {
		summary := rollup.MergeWindows(windows)
		v.Summary = &summary
	}
	return v, nil
}

// transition applies a conditional status change; losing a race to a
// concurrent transition is reported as a policy violation.
func (s *BatchService) transition(ctx context.Context, b *domain.Batch, to domain.BatchStatus, at time.Time) error {
	ok, err := s.batches.TransitionStatus(ctx, b.ID, b.Status, to, at)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.PolicyError{BatchID: b.ID, From: b.Status, To: to, Reason: "status changed concurrently"}
	}

	s.logger.Info("Batch status changed",
		zap.String("batch_id", b.ID),
		zap.String("from", string(b.Status)),
		zap.String("to", string(to)),
	)
	b.Status = to
	s.metrics.BatchTransition(string(to))
	return nil
}

func (s *BatchService) publish(ctx context.Context, eventType string, b *domain.Batch, at time.Time) {
	event := notify.Event{
		Type:       eventType,
		DeviceID:   b.DeviceID,
		BatchID:    b.ID,
		OccurredAt: at,
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("Failed to publish batch notification",
			zap.String("batch_id", b.ID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
