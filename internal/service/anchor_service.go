package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
	"pravardha-anchor/internal/ledger"
	"pravardha-anchor/internal/metrics"
	"pravardha-anchor/internal/notify"
	"pravardha-anchor/internal/repository"
)

// AnchorConfig 锚定配置（构造时传入，服务本身不读环境变量）
type AnchorConfig struct {
	PendingLimit  int           // AnchorPending 默认上限，<= 0 表示不限
	LedgerTimeout time.Duration // 单次账本调用超时，<= 0 表示只受调用方 ctx 约束
	StopOnError   bool          // AnchorPending 遇到第一个失败即停止
}

// AnchorOutcome 单个窗口的锚定结果
type AnchorOutcome string

const (
	OutcomeAnchored        AnchorOutcome = "anchored"
	OutcomeReconciled      AnchorOutcome = "reconciled" // 账本已有且根一致，仅补写存储
	OutcomeAlreadyAnchored AnchorOutcome = "already_anchored"
)

// AnchorResult Anchor 返回值
type AnchorResult struct {
	DeviceID    string        `json:"device_id"`
	WindowStart time.Time     `json:"window_start"`
	Outcome     AnchorOutcome `json:"outcome"`
	TxRef       string        `json:"tx_ref,omitempty"`
	Address     string        `json:"address,omitempty"`
	AnchoredAt  *time.Time    `json:"anchored_at,omitempty"`
}

// AnchorService 锚定协调器：注册检查 → 提交 → 确认 → 持久化
type AnchorService struct {
	windows  repository.WindowRepository
	devices  repository.DeviceRepository
	ledger   ledger.Ledger
	deriver  ledger.AddressDeriver
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      AnchorConfig
	logger   *zap.Logger
	now      func() time.Time
}

// AnchorOption configures optional collaborators.
type AnchorOption func(*AnchorService)

func WithNotifier(n notify.Notifier) AnchorOption {
	return func(s *AnchorService) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) AnchorOption {
	return func(s *AnchorService) { s.metrics = m }
}

func WithClock(now func() time.Time) AnchorOption {
	return func(s *AnchorService) { s.now = now }
}

// NewAnchorService 创建 AnchorService
func NewAnchorService(
	windows repository.WindowRepository,
	devices repository.DeviceRepository,
	l ledger.Ledger,
	deriver ledger.AddressDeriver,
	cfg AnchorConfig,
	logger *zap.Logger,
	opts ...AnchorOption,
) *AnchorService {
	s := &AnchorService{
		windows:  windows,
		devices:  devices,
		ledger:   l,
		deriver:  deriver,
		notifier: notify.Nop{},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Anchor submits the commitment of one window to the ledger and records it.
// Calling it again for an anchored window is a no-op returning
// OutcomeAlreadyAnchored.
func (s *AnchorService) Anchor(ctx context.Context, deviceID string, windowStart time.Time) (*AnchorResult, error) {
	w, err := s.windows.GetWindow(ctx, deviceID, windowStart)
	if err != nil {
		return nil, err
	}
	key := domain.WindowKey{DeviceID: deviceID, WindowStart: w.WindowStart}

	if w.IsAnchored {
		s.metrics.AnchorOutcome(metrics.OutcomeAlreadyAnchored)
		s.logger.Info("Window already anchored",
			zap.String("device_id", deviceID),
			zap.Time("window_start", w.WindowStart),
			zap.String("tx_ref", w.AnchorTxRef),
		)
		return alreadyAnchored(w), nil
	}

	sub, err := submissionFor(key, w)
	if err != nil {
		return nil, err
	}

	device, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(device.PublicKey) == 0 {
		return nil, &domain.PreconditionError{Key: key, Reason: "device has no ledger identity"}
	}

	devAddr := s.deriver.DeviceAddress(device.PublicKey)
	winAddr := s.deriver.WindowAddress(device.PublicKey, w.WindowStart.Unix())
	sub.Address = winAddr
	sub.DeviceAddress = devAddr

	log := s.logger.With(
		zap.String("device_id", deviceID),
		zap.Time("window_start", w.WindowStart),
		zap.String("address", winAddr.String()),
	)

	if _, err := s.ensureRegistered(ctx, key, device, devAddr); err != nil {
		s.metrics.AnchorOutcome(metrics.OutcomeFailed)
		return nil, err
	}

	exists, err := s.exists(ctx, winAddr)
	if err != nil {
		s.metrics.AnchorOutcome(metrics.OutcomeFailed)
		return nil, &domain.LedgerError{Key: key, Op: "exists", Address: winAddr.String(), Err: err}
	}
	if exists {
		log.Info("Commitment already on ledger, reconciling")
		return s.reconcile(ctx, key, w, winAddr)
	}

	txRef, err := s.submit(ctx, sub)
	if errors.Is(err, domain.ErrAddressInUse) {
		log.Info("Ledger reports address in use, reconciling")
		return s.reconcile(ctx, key, w, winAddr)
	}
	if err != nil {
		s.metrics.AnchorOutcome(metrics.OutcomeFailed)
		if domain.IsPrecondition(err) {
			return nil, withKey(err, key)
		}
		log.Error("Ledger submission failed", zap.Error(err))
		return nil, &domain.LedgerError{Key: key, Op: "submit", Address: winAddr.String(), Err: err}
	}

	log.Info("Commitment submitted", zap.String("tx_ref", txRef))
	return s.persist(ctx, key, w, txRef, winAddr, OutcomeAnchored)
}

// submissionFor checks the local preconditions before any ledger call.
func submissionFor(key domain.WindowKey, w *domain.AggregateWindow) (ledger.Submission, error) {
	var sub ledger.Submission
	if w.MerkleRoot == nil {
		return sub, &domain.PreconditionError{Key: key, Reason: "merkle root has not been computed"}
	}
	if len(w.MerkleRoot) != domain.MerkleRootSize {
		return sub, &domain.PreconditionError{Key: key, Reason: fmt.Sprintf("merkle root must be %d bytes, got %d", domain.MerkleRootSize, len(w.MerkleRoot))}
	}
	if n := utf8.RuneCountInString(w.OffchainURI); n > domain.MaxOffchainURILength {
		return sub, &domain.PreconditionError{Key: key, Reason: fmt.Sprintf("offchain uri too long: %d characters (max %d)", n, domain.MaxOffchainURILength)}
	}
	if w.Stats.SampleCount < 0 {
		return sub, &domain.PreconditionError{Key: key, Reason: fmt.Sprintf("negative sample count %d", w.Stats.SampleCount)}
	}

	sub.WindowStart = w.WindowStart.Unix()
	sub.Stats = ledger.StatsFromWindow(w.Stats)
	sub.SampleCount = uint32(w.Stats.SampleCount)
	sub.OffchainURI = w.OffchainURI
	copy(sub.MerkleRoot[:], w.MerkleRoot)
	return sub, nil
}

// ensureRegistered registers the device when its address is absent. A
// duplicate-address rejection means another run registered it first.
func (s *AnchorService) ensureRegistered(ctx context.Context, key domain.WindowKey, device *domain.DeviceIdentity, addr ledger.Address) (string, error) {
	exists, err := s.exists(ctx, addr)
	if err != nil {
		return "", &domain.LedgerError{Key: key, Op: "exists", Address: addr.String(), Err: err}
	}
	if exists {
		return "", nil
	}

	ctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	start := s.now()
	txRef, err := s.ledger.RegisterDevice(ctx, ledger.Registration{
		Address:         addr,
		DevicePublicKey: device.PublicKey,
		CalibrationHash: device.CalibrationHash,
	})
	s.metrics.LedgerRequest("register", s.now().Sub(start), err == nil || errors.Is(err, domain.ErrAddressInUse))
	if errors.Is(err, domain.ErrAddressInUse) {
		return "", nil
	}
	if err != nil {
		return "", &domain.LedgerError{Key: key, Op: "register", Address: addr.String(), Err: err}
	}

	s.logger.Info("Device registered on ledger",
		zap.String("device_id", device.DeviceID),
		zap.String("address", addr.String()),
		zap.String("tx_ref", txRef),
	)
	return txRef, nil
}

// reconcile adopts a commitment found at the window address when it
// carries the same root as the store.
func (s *AnchorService) reconcile(ctx context.Context, key domain.WindowKey, w *domain.AggregateWindow, addr ledger.Address) (*AnchorResult, error) {
	lctx, cancel := s.ledgerContext(ctx)
	start := s.now()
	c, err := s.ledger.GetCommitment(lctx, addr)
	cancel()
	s.metrics.LedgerRequest("get_commitment", s.now().Sub(start), err == nil)
	if err != nil {
		s.metrics.AnchorOutcome(metrics.OutcomeFailed)
		return nil, &domain.LedgerError{Key: key, Op: "get_commitment", Address: addr.String(), Err: err}
	}

	if !bytes.Equal(c.MerkleRoot[:], w.MerkleRoot) {
		s.metrics.AnchorOutcome(metrics.OutcomeFailed)
		s.logger.Error("Ledger commitment conflicts with stored root",
			zap.String("device_id", key.DeviceID),
			zap.Time("window_start", key.WindowStart),
			zap.String("ledger_root", hex.EncodeToString(c.MerkleRoot[:])),
			zap.String("stored_root", hex.EncodeToString(w.MerkleRoot)),
		)
		return nil, &domain.LedgerError{
			Key:     key,
			Op:      "reconcile",
			Address: addr.String(),
			Err: fmt.Errorf("conflict: ledger holds root %s, store holds %s",
				hex.EncodeToString(c.MerkleRoot[:]), hex.EncodeToString(w.MerkleRoot)),
		}
	}

	return s.persist(ctx, key, w, c.TxRef, addr, OutcomeReconciled)
}

func (s *AnchorService) persist(ctx context.Context, key domain.WindowKey, w *domain.AggregateWindow, txRef string, addr ledger.Address, outcome AnchorOutcome) (*AnchorResult, error) {
	anchoredAt := s.now().UTC()
	updated, err := s.windows.MarkAnchored(ctx, w.ID, w.MerkleRoot, txRef, addr.String(), anchoredAt)
	if err != nil {
		s.metrics.AnchorOutcome(metrics.OutcomeFailed)
		s.logger.Error("Ledger has the commitment but the store update failed",
			zap.String("device_id", key.DeviceID),
			zap.Time("window_start", key.WindowStart),
			zap.String("tx_ref", txRef),
			zap.String("address", addr.String()),
			zap.Error(err),
		)
		return nil, &domain.StorageUpdateError{Key: key, TxRef: txRef, Address: addr.String(), Err: err}
	}

	if !updated {
		current, err := s.windows.GetWindow(ctx, key.DeviceID, key.WindowStart)
		if err == nil && current.IsAnchored {
			s.metrics.AnchorOutcome(metrics.OutcomeAlreadyAnchored)
			return alreadyAnchored(current), nil
		}
		if err == nil {
			err = fmt.Errorf("stored merkle root changed after submission: ledger holds %s, store holds %s",
				hex.EncodeToString(w.MerkleRoot), hex.EncodeToString(current.MerkleRoot))
		} else {
			err = fmt.Errorf("window not marked anchored: %w", err)
		}
		s.metrics.AnchorOutcome(metrics.OutcomeFailed)
		s.logger.Error("Ledger has the commitment but the store was not updated",
			zap.String("device_id", key.DeviceID),
			zap.Time("window_start", key.WindowStart),
			zap.String("tx_ref", txRef),
			zap.String("address", addr.String()),
			zap.Error(err),
		)
		return nil, &domain.StorageUpdateError{Key: key, TxRef: txRef, Address: addr.String(), Err: err}
	}

	s.metrics.AnchorOutcome(string(outcome))
	w.IsAnchored = true
	w.AnchorTxRef = txRef
	w.AnchorAddress = addr.String()
	w.AnchoredAt = &anchoredAt

	event := notify.Event{
		Type:        notify.EventWindowAnchored,
		DeviceID:    key.DeviceID,
		WindowStart: &w.WindowStart,
		TxRef:       txRef,
		Address:     addr.String(),
		MerkleRoot:  hex.EncodeToString(w.MerkleRoot),
		Reconciled:  outcome == OutcomeReconciled,
		OccurredAt:  anchoredAt,
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("Failed to publish anchor notification", zap.Error(err))
	}

	s.logger.Info("Window anchored",
		zap.String("device_id", key.DeviceID),
		zap.Time("window_start", key.WindowStart),
		zap.String("outcome", string(outcome)),
		zap.String("tx_ref", txRef),
		zap.String("address", addr.String()),
	)
	return &AnchorResult{
		DeviceID:    key.DeviceID,
		WindowStart: key.WindowStart,
		Outcome:     outcome,
		TxRef:       txRef,
		Address:     addr.String(),
		AnchoredAt:  &anchoredAt,
	}, nil
}

func alreadyAnchored(w *domain.AggregateWindow) *AnchorResult {
	return &AnchorResult{
		DeviceID:    w.DeviceID,
		WindowStart: w.WindowStart,
		Outcome:     OutcomeAlreadyAnchored,
		TxRef:       w.AnchorTxRef,
		Address:     w.AnchorAddress,
		AnchoredAt:  w.AnchoredAt,
	}
}

func (s *AnchorService) exists(ctx context.Context, addr ledger.Address) (bool, error) {
	ctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	start := s.now()
	ok, err := s.ledger.Exists(ctx, addr)
	s.metrics.LedgerRequest("exists", s.now().Sub(start), err == nil)
	return ok, err
}

func (s *AnchorService) submit(ctx context.Context, sub ledger.Submission) (string, error) {
	ctx, cancel := s.ledgerContext(ctx)
	defer cancel()

	start := s.now()
	txRef, err := s.ledger.SubmitCommitment(ctx, sub)
	s.metrics.LedgerRequest("submit", s.now().Sub(start), err == nil || errors.Is(err, domain.ErrAddressInUse))
	return txRef, err
}

func (s *AnchorService) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.LedgerTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	}
	return context.WithCancel(ctx)
}

// withKey fills in the window context of a precondition error raised
// below the service.
func withKey(err error, key domain.WindowKey) error {
	var pe *domain.PreconditionError
	if errors.As(err, &pe) && pe.Key == (domain.WindowKey{}) {
		pe.Key = key
	}
	return err
}

// RegistrationResult RegisterDevice 返回值
type RegistrationResult struct {
	DeviceID          string `json:"device_id"`
	Address           string `json:"address"`
	TxRef             string `json:"tx_ref,omitempty"`
	AlreadyRegistered bool   `json:"already_registered"`
}

// RegisterDevice registers a device identity on the ledger. Registering an
// already registered device succeeds without a transaction.
func (s *AnchorService) RegisterDevice(ctx context.Context, deviceID string) (*RegistrationResult, error) {
	device, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	key := domain.WindowKey{DeviceID: deviceID}
	if len(device.PublicKey) == 0 {
		return nil, &domain.PreconditionError{Key: key, Reason: "device has no ledger identity"}
	}

	addr := s.deriver.DeviceAddress(device.PublicKey)
	txRef, err := s.ensureRegistered(ctx, key, device, addr)
	if err != nil {
		return nil, err
	}
	return &RegistrationResult{
		DeviceID:          deviceID,
		Address:           addr.String(),
		TxRef:             txRef,
		AlreadyRegistered: txRef == "",
	}, nil
}

// PendingItemStatus AnchorPending 中单个窗口的处理结果
type PendingItemStatus string

const (
	PendingAnchored        PendingItemStatus = "anchored"
	PendingAlreadyAnchored PendingItemStatus = "already_anchored"
	PendingFailed          PendingItemStatus = "failed"
	PendingSkipped         PendingItemStatus = "skipped"
)

// PendingItem 单个窗口处理记录
type PendingItem struct {
	WindowStart time.Time         `json:"window_start"`
	Status      PendingItemStatus `json:"status"`
	TxRef       string            `json:"tx_ref,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// PendingSummary AnchorPending 运行汇总
type PendingSummary struct {
	DeviceID        string        `json:"device_id"`
	Anchored        int           `json:"anchored"`
	AlreadyAnchored int           `json:"already_anchored"`
	Failed          int           `json:"failed"`
	Skipped         int           `json:"skipped"`
	Items           []PendingItem `json:"items"`
}

// AnchorPending anchors every root-computed, unanchored window of a device
// in window order. Windows failing a precondition are skipped; other
// failures are counted and returned joined.
func (s *AnchorService) AnchorPending(ctx context.Context, deviceID string, limit int) (*PendingSummary, error) {
	if limit <= 0 {
		limit = s.cfg.PendingLimit
	}
	windows, err := s.windows.ListPendingWindows(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending windows: %w", err)
	}

	summary := &PendingSummary{DeviceID: deviceID, Items: make([]PendingItem, 0, len(windows))}
	var failures []error

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}

		item := PendingItem{WindowStart: w.WindowStart}
		res, err := s.Anchor(ctx, deviceID, w.WindowStart)
		switch {
		case err == nil && res.Outcome == OutcomeAlreadyAnchored:
			item.Status = PendingAlreadyAnchored
			item.TxRef = res.TxRef
			summary.AlreadyAnchored++
		case err == nil:
			item.Status = PendingAnchored
			item.TxRef = res.TxRef
			summary.Anchored++
		case domain.IsPrecondition(err):
			item.Status = PendingSkipped
			item.Error = err.Error()
			summary.Skipped++
		default:
			item.Status = PendingFailed
			item.Error = err.Error()
			summary.Failed++
			failures = append(failures, err)
		}
		summary.Items = append(summary.Items, item)

		if item.Status == PendingFailed && s.cfg.StopOnError {
			break
		}
	}

	s.logger.Info("Pending windows processed",
		zap.String("device_id", deviceID),
		zap.Int("total", len(windows)),
		zap.Int("anchored", summary.Anchored),
		zap.Int("already_anchored", summary.AlreadyAnchored),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
	)
	return summary, errors.Join(failures...)
}
