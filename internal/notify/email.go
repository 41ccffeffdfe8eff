package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// AddressResolver maps an internal user id to a deliverable email address.
// Returning an empty address means "no email on file"; the notification is
// skipped without error.
type AddressResolver func(ctx context.Context, userID string) (string, error)

// EmailNotifier sends transactional email via Resend. Only a subset of
// notification types warrant email; the rest are silently skipped.
type EmailNotifier struct {
	client  *resend.Client
	from    string
	resolve AddressResolver
}

func NewEmailNotifier(apiKey, from string, resolve AddressResolver) (*EmailNotifier, error) {
	if apiKey == "" {
		return nil, errors.New("notify: resend API key is required")
	}
	if from == "" {
		return nil, errors.New("notify: from address is required")
	}
	if resolve == nil {
		return nil, errors.New("notify: address resolver is required")
	}
	return &EmailNotifier{
		client:  resend.NewClient(apiKey),
		from:    from,
		resolve: resolve,
	}, nil
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	if !emailWorthy(n.Type) {
		return nil
	}

	addr, err := e.resolve(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("notify: resolve address for %s: %w", n.UserID, err)
	}
	if addr == "" {
		return nil
	}

	params := &resend.SendEmailRequest{
		From:    e.from,
		To:      []string{addr},
		Subject: n.Title,
		Html:    fmt.Sprintf("<p>%s</p>", n.Content),
	}
	if _, err := e.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("notify: send email to %s: %w", n.UserID, err)
	}
	return nil
}

// emailWorthy: email is reserved for durable receipts; ephemeral call state
// goes over push only.
func emailWorthy(notificationType string) bool {
	switch notificationType {
	case TypeRefundProcessed, TypeCallEnded:
		return true
	default:
		return false
	}
}
