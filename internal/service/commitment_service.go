// Package service implements the integrity pipeline: window roots,
// ledger anchoring and batch certification.
package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pravardha-anchor/internal/domain"
	"pravardha-anchor/internal/ledger"
	"pravardha-anchor/internal/merkle"
	"pravardha-anchor/internal/metrics"
	"pravardha-anchor/internal/repository"
)

// CommitmentService 计算并校验窗口 Merkle 根
type CommitmentService struct {
	readings repository.ReadingRepository
	windows  repository.WindowRepository
	devices  repository.DeviceRepository
	ledger   ledger.Ledger
	deriver  ledger.AddressDeriver
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewCommitmentService 创建 CommitmentService。ledger 为 nil 时 VerifyWindow 跳过链上比对。
func NewCommitmentService(
	readings repository.ReadingRepository,
	windows repository.WindowRepository,
	devices repository.DeviceRepository,
	l ledger.Ledger,
	deriver ledger.AddressDeriver,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CommitmentService {
	return &CommitmentService{
		readings: readings,
		windows:  windows,
		devices:  devices,
		ledger:   l,
		deriver:  deriver,
		metrics:  m,
		logger:   logger,
	}
}

// ComputeRootResult compute-root 结果
type ComputeRootResult struct {
	Window     *domain.AggregateWindow
	Commitment merkle.Commitment
	Unchanged  bool // 存储中已是同一个根，未写库
}

// ComputeRoot builds the commitment of one window from its raw readings and
// stores it. A nil windowStart selects the device's latest window.
func (s *CommitmentService) ComputeRoot(ctx context.Context, deviceID string, windowStart *time.Time) (*ComputeRootResult, error) {
	w, err := s.loadWindow(ctx, deviceID, windowStart)
	if err != nil {
		return nil, err
	}
	key := domain.WindowKey{DeviceID: deviceID, WindowStart: w.WindowStart}

	readings, err := s.readings.ListReadings(ctx, deviceID, w.WindowStart, w.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("load readings (%s): %w", key, err)
	}

	c, err := merkle.Build(readings)
	if err != nil {
		var pe *domain.PreconditionError
		if errors.As(err, &pe) {
			pe.Key = key
		}
		return nil, err
	}
	if c.Empty() {
		return nil, &domain.PreconditionError{Key: key, Reason: "cannot commit an empty window", Err: domain.ErrEmptyWindow}
	}

	result := &ComputeRootResult{Window: w, Commitment: c}
	if bytes.Equal(w.MerkleRoot, c.Root) {
		result.Unchanged = true
		s.logger.Info("Merkle root unchanged",
			zap.String("device_id", deviceID),
			zap.Time("window_start", w.WindowStart),
			zap.String("merkle_root", c.Hex()),
		)
		return result, nil
	}
	if w.IsAnchored {
		return nil, &domain.PreconditionError{
			Key:    key,
			Reason: fmt.Sprintf("window is anchored with root %s; recomputed root %s differs", hex.EncodeToString(w.MerkleRoot), c.Hex()),
			Err:    domain.ErrAlreadyAnchored,
		}
	}

	if err := s.windows.SetMerkleRoot(ctx, w.ID, c.Root); err != nil {
		if errors.Is(err, domain.ErrAlreadyAnchored) {
			return nil, &domain.PreconditionError{Key: key, Reason: "window was anchored while computing its root", Err: err}
		}
		return nil, fmt.Errorf("store merkle root (%s): %w", key, err)
	}
	w.MerkleRoot = c.Root
	s.metrics.RootComputed()

	s.logger.Info("Merkle root computed",
		zap.String("device_id", deviceID),
		zap.Time("window_start", w.WindowStart),
		zap.Int("leaves", c.LeafCount),
		zap.String("merkle_root", c.Hex()),
	)
	return result, nil
}

// WindowCheck 窗口校验报告
type WindowCheck struct {
	Window       *domain.AggregateWindow
	ReadingCount int
	ComputedRoot []byte
	RootMatches  bool // 重新计算的根 == 存储的根

	LedgerChecked bool
	LedgerAddress string
	LedgerRoot    []byte
	LedgerMatches bool // 链上根 == 存储的根
}

// Verified reports whether every performed comparison matched.
func (c *WindowCheck) Verified() bool {
	if !c.RootMatches {
		return false
	}
	return !c.LedgerChecked || c.LedgerMatches
}

// VerifyWindow recomputes the root from the readings and compares it with
// the stored root and, for anchored windows, the root held on the ledger.
func (s *CommitmentService) VerifyWindow(ctx context.Context, deviceID string, windowStart time.Time) (*WindowCheck, error) {
	w, err := s.windows.GetWindow(ctx, deviceID, windowStart)
	if err != nil {
		return nil, err
	}
	key := domain.WindowKey{DeviceID: deviceID, WindowStart: w.WindowStart}

	readings, err := s.readings.ListReadings(ctx, deviceID, w.WindowStart, w.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("load readings (%s): %w", key, err)
	}
	c, err := merkle.Build(readings)
	if err != nil {
		var pe *domain.PreconditionError
		if errors.As(err, &pe) {
			pe.Key = key
		}
		return nil, err
	}

	check := &WindowCheck{
		Window:       w,
		ReadingCount: c.LeafCount,
		ComputedRoot: c.Root,
		RootMatches:  !c.Empty() && w.HasRoot() && bytes.Equal(c.Root, w.MerkleRoot),
	}

	if w.IsAnchored && s.ledger != nil {
		device, err := s.devices.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		addr := s.deriver.WindowAddress(device.PublicKey, w.WindowStart.Unix())
		check.LedgerAddress = addr.String()
		if w.AnchorAddress != "" && w.AnchorAddress != check.LedgerAddress {
			s.logger.Warn("Stored anchor address differs from derived address",
				zap.String("device_id", deviceID),
				zap.Time("window_start", w.WindowStart),
				zap.String("stored", w.AnchorAddress),
				zap.String("derived", check.LedgerAddress),
			)
		}

		onLedger, err := s.ledger.GetCommitment(ctx, addr)
		switch {
		case domain.IsNotFound(err):
			check.LedgerChecked = true
		case err != nil:
			return nil, &domain.LedgerError{Key: key, Op: "get_commitment", Address: check.LedgerAddress, Err: err}
		default:
			check.LedgerChecked = true
			check.LedgerRoot = onLedger.MerkleRoot[:]
			check.LedgerMatches = bytes.Equal(check.LedgerRoot, w.MerkleRoot)
		}
	}

	s.logger.Info("Window verified",
		zap.String("device_id", deviceID),
		zap.Time("window_start", w.WindowStart),
		zap.Bool("root_matches", check.RootMatches),
		zap.Bool("ledger_checked", check.LedgerChecked),
		zap.Bool("ledger_matches", check.LedgerMatches),
	)
	return check, nil
}

func (s *CommitmentService) loadWindow(ctx context.Context, deviceID string, windowStart *time.Time) (*domain.AggregateWindow, error) {
	if windowStart == nil {
		return s.windows.GetLatestWindow(ctx, deviceID)
	}
	return s.windows.GetWindow(ctx, deviceID, *windowStart)
}
