package placement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no workflow row exists for the identifier.
	ErrNotFound = errors.New("placement: not found")
	// ErrMaidNotFound is returned when initiate references an unknown maid.
	ErrMaidNotFound = errors.New("placement: maid not found")
	// ErrMaidUnavailable is returned when the maid is already hired.
	ErrMaidUnavailable = errors.New("placement: maid already hired")
	// ErrConfirmationsMissing blocks confirm until the required parties agreed.
	ErrConfirmationsMissing = errors.New("placement: required confirmations missing")
	// ErrNoAgency is returned for agency confirmation on a direct placement.
	ErrNoAgency         = errors.New("placement: workflow has no agency")
	ErrInvalidNotes     = errors.New("placement: notes must be a JSON object")
	ErrGuaranteeExpired = errors.New("placement: guarantee period has ended")
	// ErrIdempotencyKeyReused means the key belongs to a different request.
	ErrIdempotencyKeyReused = errors.New("placement: idempotency key reused with different parameters")

	// errStaleVersion marks a compare-and-set miss. The engine retries it.
	errStaleVersion = errors.New("placement: stale version")
)

// ValidationError reports a malformed argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("placement: invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError is returned when op is not legal from Current.
type InvalidTransitionError struct {
	Op      Operation
	Current Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("placement: %s not allowed from status %s", e.Op, e.Current)
}

// ConflictError is returned when the maid already has an active workflow.
type ConflictError struct {
	MaidID     string
	BlockingID string
}

func (e *ConflictError) Error() string {
	if e.BlockingID == "" {
		return fmt.Sprintf("placement: maid %s already has an active placement", e.MaidID)
	}
	return fmt.Sprintf("placement: maid %s already has active placement %s", e.MaidID, e.BlockingID)
}

// InvalidFeeTransitionError is returned when op cannot move the fee from Current.
type InvalidFeeTransitionError struct {
	Op      Operation
	Current FeeStatus
}

func (e *InvalidFeeTransitionError) Error() string {
	return fmt.Sprintf("placement: %s not allowed from fee status %s", e.Op, e.Current)
}

// DatastoreError wraps a storage failure that survived the retry policy.
type DatastoreError struct {
	Op  Operation
	Err error
}

func (e *DatastoreError) Error() string {
	return fmt.Sprintf("placement: %s: datastore: %v", e.Op, e.Err)
}

func (e *DatastoreError) Unwrap() error {
	return e.Err
}

// IsRejection reports whether err is a business rule rejection rather than a
// storage failure.
func IsRejection(err error) bool {
	var (
		transition *InvalidTransitionError
		conflict   *ConflictError
		fee        *InvalidFeeTransitionError
		validation *ValidationError
	)
	switch {
	case errors.As(err, &transition), errors.As(err, &conflict),
		errors.As(err, &fee), errors.As(err, &validation):
		return true
	}
	for _, sentinel := range []error{
		ErrNotFound, ErrMaidNotFound, ErrMaidUnavailable, ErrConfirmationsMissing,
		ErrNoAgency, ErrInvalidNotes, ErrGuaranteeExpired, ErrIdempotencyKeyReused,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
