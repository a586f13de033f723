package ports

import (
	"context"
	"fmt"

	"sms-dispatch-engine/internal/domain"
)

// SendResult is the carrier's response after accepting a message.
type SendResult struct {
	ProviderRef string // Correlation id assigned by the carrier
}

// ProviderError classifies a failed carrier call. Transient failures
// (network, timeout, carrier congestion) are retried by the dispatcher;
// permanent ones (auth, malformed destination, rejection) are not.
type ProviderError struct {
	Code      string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s failure %s: %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("provider %s failure %s", kind, e.Code)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SMSProvider abstracts the external carrier network.
type SMSProvider interface {
	// Send submits a message and returns the carrier's correlation id.
	// Failures are *ProviderError when the call reached classification.
	Send(ctx context.Context, msg domain.Message) (SendResult, error)
}
