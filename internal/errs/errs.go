// Package errs defines the error taxonomy that crosses the core's boundary.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors per the external error taxonomy. Callers should compare
// with errors.Is, since most of these are wrapped with additional context
// before being returned.
var (
	ErrInvalidPubkey       = errors.New("marmot: invalid pubkey")
	ErrInvalidCredential   = errors.New("marmot: invalid credential")
	ErrCodec               = errors.New("marmot: codec error")
	ErrNoMarmotGroupData   = errors.New("marmot: group has no MarmotGroupData extension")
	ErrNoGroupRelays       = errors.New("marmot: group has no relays configured")
	ErrNotAdmin            = errors.New("marmot: caller is not a group admin")
	ErrProposalRefNotFound = errors.New("marmot: proposal reference not found")
	ErrProposalBuild       = errors.New("marmot: failed to build proposal")
	ErrNoRelayReceived     = errors.New("marmot: no relay acknowledged the event")
	ErrMaxRetriesExceeded  = errors.New("marmot: max ingest retries exceeded")
	ErrGroupNotFound       = errors.New("marmot: group not found")
	ErrKeyPackageNotFound  = errors.New("marmot: key package not found")
	ErrNetwork             = errors.New("marmot: network error")
	ErrCrypto              = errors.New("marmot: crypto provider error")
)

// NoRelayReceivedEvent reports that an event id was published but zero
// relays acknowledged it.
type NoRelayReceivedEvent struct {
	EventID string
}

func (e *NoRelayReceivedEvent) Error() string {
	return fmt.Sprintf("marmot: no relay acknowledged event %s", e.EventID)
}

func (e *NoRelayReceivedEvent) Unwrap() error { return ErrNoRelayReceived }

// MaxRetriesExceeded reports that ingest gave up after limit retries.
type MaxRetriesExceeded struct {
	Limit int
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("marmot: ingest exceeded %d retries", e.Limit)
}

func (e *MaxRetriesExceeded) Unwrap() error { return ErrMaxRetriesExceeded }

// Wrap annotates err with a message while preserving errors.Is matching
// against the taxonomy sentinels.
func Wrap(sentinel error, msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	return fmt.Errorf("%s: %w: %v", msg, sentinel, cause)
}
