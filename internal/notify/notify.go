// Package notify publishes anchoring and certification events to
// downstream consumers. Delivery is best effort: callers log failures
// and never roll back the operation that produced the event.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventWindowAnchored = "window.anchored"
	EventBatchCertified = "batch.certified"
	EventBatchRevoked   = "batch.revoked"
)

// Event 通知事件
type Event struct {
	Type        string     `json:"type"`
	DeviceID    string     `json:"device_id"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	TxRef       string     `json:"tx_ref,omitempty"`
	Address     string     `json:"address,omitempty"`
	MerkleRoot  string     `json:"merkle_root,omitempty"`
	Reconciled  bool       `json:"reconciled,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// Notifier 事件发布
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
