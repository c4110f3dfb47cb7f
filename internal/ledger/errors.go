package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the network does not know the transaction reference.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrConfirmationTimeout indicates that a transaction was not included in time.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")
	// ErrConfirmationFailed indicates that the network explicitly rejected a transaction.
	ErrConfirmationFailed = errors.New("ledger: confirmation failed")
	// ErrInvalidReference indicates a malformed transaction reference.
	ErrInvalidReference = errors.New("ledger: invalid transaction reference")
)

// SubmissionReason classifies why an anchoring transaction could not be sent.
type SubmissionReason string

const (
	ReasonInvalidInput      SubmissionReason = "invalid_input"
	ReasonRateLimited       SubmissionReason = "rate_limited"
	ReasonNonce             SubmissionReason = "nonce"
	ReasonGasPrice          SubmissionReason = "gas_price"
	ReasonSigning           SubmissionReason = "signing"
	ReasonInsufficientFunds SubmissionReason = "insufficient_funds"
	ReasonNetwork           SubmissionReason = "network"
)

// SubmissionError reports a failed ledger write. No transaction reached the
// network when this error is returned.
type SubmissionError struct {
	Reason SubmissionReason
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ledger submission failed: %s", e.Reason)
	}
	return fmt.Sprintf("ledger submission failed: %s: %v", e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func newSubmissionError(reason SubmissionReason, cause error) error {
	return &SubmissionError{Reason: reason, Err: cause}
}
