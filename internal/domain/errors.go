package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 记录不存在（窗口、批次、设备、链上地址）
	ErrNotFound = errors.New("not found")

	// ErrAlreadyAnchored 窗口已锚定。幂等场景下视为成功。
	ErrAlreadyAnchored = errors.New("window already anchored")

	// ErrAddressInUse 账本拒绝：确定性地址已被占用
	ErrAddressInUse = errors.New("ledger address already in use")

	// ErrEmptyWindow 窗口内没有读数，不能生成可锚定的承诺
	ErrEmptyWindow = errors.New("window has no readings")
)

// WindowKey identifies a window for error context and log fields.
type WindowKey struct {
	DeviceID    string
	WindowStart time.Time
}

func (k WindowKey) String() string {
	if k.DeviceID == "" && k.WindowStart.IsZero() {
		return ""
	}
	return fmt.Sprintf("device=%s window_start=%s", k.DeviceID, k.WindowStart.UTC().Format(time.RFC3339))
}

func withKey(k WindowKey, msg string) string {
	if s := k.String(); s != "" {
		return msg + " (" + s + ")"
	}
	return msg
}

// PreconditionError 前置条件不满足（根长度、URI 长度、空窗口等），不重试
type PreconditionError struct {
	Key    WindowKey
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	msg := "precondition failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return withKey(e.Key, msg)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// NotFoundError 窗口/批次/设备不存在
type NotFoundError struct {
	Kind string // "window", "batch", "device", "address"
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Ref)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// LedgerError 账本提交/查询失败（网络错误、拒绝），依靠确定性地址可安全重试
type LedgerError struct {
	Key     WindowKey
	Op      string
	Address string
	Err     error
}

func (e *LedgerError) Error() string {
	msg := fmt.Sprintf("ledger %s failed", e.Op)
	if e.Address != "" {
		msg += " at " + e.Address
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return withKey(e.Key, msg)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// StorageUpdateError 账本已提交成功但存储写入失败。
// 账本已有承诺而数据库尚未反映；下次运行通过地址存在性检查对账，而不是盲目重新提交。
type StorageUpdateError struct {
	Key     WindowKey
	TxRef   string
	Address string
	Err     error
}

func (e *StorageUpdateError) Error() string {
	return withKey(e.Key, fmt.Sprintf("storage update failed after ledger commit (tx=%s address=%s): %v",
		e.TxRef, e.Address, e.Err))
}

func (e *StorageUpdateError) Unwrap() error { return e.Err }

// PolicyError 不允许的生命周期转换（例如撤销已认证批次）
type PolicyError struct {
	BatchID string
	From    BatchStatus
	To      BatchStatus
	Reason  string
}

func (e *PolicyError) Error() string {
	msg := fmt.Sprintf("batch %s: transition %s -> %s not allowed", e.BatchID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsPrecondition reports whether err is (or wraps) a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
