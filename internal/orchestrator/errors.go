package orchestrator

import (
	"context"
	"errors"
	"net"

	"github.com/zkdefi/shield-client/internal/amount"
	"github.com/zkdefi/shield-client/internal/commitment"
	"github.com/zkdefi/shield-client/internal/poolapi"
	"github.com/zkdefi/shield-client/internal/withdrawal"
)

type ErrorKind string

const (
	// KindInput errors are raised before any network call.
	KindInput ErrorKind = "input"
	// KindService errors come from the proof or tree service, verbatim.
	KindService ErrorKind = "service"
	// KindSigning errors come from the wallet. The proof is kept.
	KindSigning ErrorKind = "signing"
	KindTimeout ErrorKind = "timeout"
)

type FlowError struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *FlowError) Error() string {
	if e == nil || e.Err == nil {
		return string(KindService) + " error"
	}
	return e.Err.Error()
}

func (e *FlowError) Unwrap() error { return e.Err }

func inputError(err error) *FlowError {
	return &FlowError{Kind: KindInput, Err: err}
}

// classify maps a failed network step onto the error taxonomy. fallback is the kind used
// for failures that are neither input problems nor timeouts.
func classify(err error, fallback ErrorKind) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case withdrawal.IsInputError(err),
		errors.Is(err, amount.ErrInvalidAmount),
		errors.Is(err, commitment.ErrNotFound),
		errors.Is(err, commitment.ErrInvalidCommitment),
		errors.Is(err, ErrCommitmentBusy):
		return inputError(err)
	case errors.Is(err, context.DeadlineExceeded):
		return &FlowError{Kind: KindTimeout, Retryable: true, Err: err}
	}

	out := &FlowError{Kind: fallback, Err: err}
	var se *poolapi.ServiceError
	var ne net.Error
	switch {
	case fallback == KindSigning:
		// Re-signing reuses the proof, so it is always safe to try again.
		out.Retryable = true
	case errors.As(err, &se):
		out.Retryable = se.Status >= 500
	case errors.As(err, &ne):
		out.Retryable = true
	}
	return out
}
