// Package faults defines the closed failure taxonomy for the job pipeline.
// Every failure a worker can encounter maps to exactly one Kind carrying a
// fixed retryable bit, so routing decisions (requeue, dead-letter, fail) are
// value checks rather than string matching on error text.
package faults

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class.
type Kind int

const (
	// StoreConnectivity is a job-store connection or pool failure. Retryable.
	StoreConnectivity Kind = iota
	// StoreQuery is a malformed-query, permission, or constraint failure.
	// Repeating the operation cannot make it succeed.
	StoreQuery
	// QueueConnectivity is a work-queue connection failure. Retryable.
	QueueConnectivity
	// ExecutorTransient is a provider-side failure expected to clear on
	// retry, such as throttling or a network blip.
	ExecutorTransient
	// ExecutorPermanent is a provider-side domain failure: entity not
	// found, invalid input, access denied.
	ExecutorPermanent
	// PayloadMalformed is a queue message that cannot be correlated to a
	// job row. Dropped before any store interaction.
	PayloadMalformed
)

func (k Kind) String() string {
	switch k {
	case StoreConnectivity:
		return "store_connectivity"
	case StoreQuery:
		return "store_query"
	case QueueConnectivity:
		return "queue_connectivity"
	case ExecutorTransient:
		return "executor_transient"
	case ExecutorPermanent:
		return "executor_permanent"
	case PayloadMalformed:
		return "payload_malformed"
	default:
		return "unknown"
	}
}

// Retryable reports whether repeating the same operation unchanged can
// succeed for this kind.
func (k Kind) Retryable() bool {
	switch k {
	case StoreConnectivity, QueueConnectivity, ExecutorTransient:
		return true
	default:
		return false
	}
}

// Fault is an error tagged with a Kind. It wraps the underlying cause.
type Fault struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// New builds a Fault without an underlying cause.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Wrap tags an underlying error with a kind.
func Wrap(kind Kind, message string, err error) *Fault {
	return &Fault{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, looking through wrapping. The second
// return is false when err carries no classification; callers treat that as
// an unknown failure and take the conservative path.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

// Retryable reports whether err is classified and retryable. Unclassified
// errors are never retryable.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Retryable()
}
