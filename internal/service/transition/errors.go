package transition

import (
	"errors"
	"fmt"
)

// Kind classifies a failed transition command.
type Kind int

const (
	KindInvalidTransition Kind = iota + 1
	KindConflict
	KindStorageFailure
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTransition:
		return "invalid_transition"
	case KindConflict:
		return "conflict"
	case KindStorageFailure:
		return "storage_failure"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("transaction modified concurrently, re-read and retry")
	ErrStorageFailure    = errors.New("storage unavailable, retry with backoff")
	ErrNotFound          = errors.New("transaction not found")
	ErrInvalidInput      = errors.New("invalid input")
)

// CommitError is returned by CommitTransition/RequestTransition. Nothing was
// written when it is returned. errors.Is matches the Err* sentinel of its Kind;
// for KindInvalidTransition errors.As also reaches *lifecycle.InvalidTransitionError.
type CommitError struct {
	Kind          Kind
	TransactionID string
	Err           error
}

func (e *CommitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transaction %s: %s", e.TransactionID, e.Kind)
	}
	return fmt.Sprintf("transaction %s: %s: %v", e.TransactionID, e.Kind, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *CommitError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return e.Kind == KindInvalidTransition
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrStorageFailure:
		return e.Kind == KindStorageFailure
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}
