// Package sending defines the transport boundary for email delivery.
//
// A Sender hands one fully-rendered message to a provider. Errors are
// classified into transient and terminal with DeliveryError so callers can
// decide whether another attempt is worthwhile.
package sending

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Sender sends a single email through a transport. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// SuppressionChecker performs a pre-send suppression check.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, orgID, email string) (bool, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	return f(ctx, msg)
}
