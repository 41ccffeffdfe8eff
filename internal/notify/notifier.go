package notify

import (
	"context"
	"log/slog"
)

// Notification is the provider-agnostic payload for user-facing alerts.
// Data carries structured context (session id, channel name, amounts) the
// client app uses for deep-linking.
type Notification struct {
	UserID  string         `json:"userId"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Content string         `json:"content"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notification types. Keep stable; client apps pattern-match on them.
const (
	TypeCallIncoming    = "call_incoming"
	TypeCallConfirmed   = "call_confirmed"
	TypeCallAccepted    = "call_accepted"
	TypeCallDeclined    = "call_declined"
	TypeCallEnded       = "call_ended"
	TypeRefundProcessed = "refund_processed"
)

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// BestEffort fans a notification out to every target, logging and swallowing
// per-target failures. Delivery is never allowed to fail a committed state
// change; the recipient can still find the state through their dashboard.
type BestEffort struct {
	targets []Notifier
	log     *slog.Logger
}

func NewBestEffort(log *slog.Logger, targets ...Notifier) *BestEffort {
	if log == nil {
		log = slog.Default()
	}
	return &BestEffort{targets: targets, log: log}
}

func (b *BestEffort) Notify(ctx context.Context, n Notification) error {
	for _, t := range b.targets {
		if t == nil {
			continue
		}
		if err := t.Notify(ctx, n); err != nil {
			b.log.Warn("notification dispatch failed",
				"user_id", n.UserID,
				"type", n.Type,
				"err", err,
			)
		}
	}
	return nil
}
