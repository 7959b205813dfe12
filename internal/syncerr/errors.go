// Package syncerr defines the error taxonomy shared by the synchronization
// layer.
//
// Every failure that crosses a component boundary is a *Error carrying a Code:
//
//   - ValidationError: malformed operation, a caller bug. Never retried.
//   - TransientStoreError: a read or write failed on connectivity. Retried
//     through the offline queue up to the attempt cap.
//   - PermanentStoreError: the store rejected the operation (authorization,
//     missing collection). Moved straight to the failed list.
//   - ReconciliationConflict: a confirmed snapshot disagrees with the value the
//     ledger predicted. Surfaced as a resolved-with-correction event.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes synchronization errors.
type Code string

const (
	// CodeValidation indicates a malformed operation.
	CodeValidation Code = "VALIDATION"

	// CodeTransientStore indicates a retryable store failure.
	CodeTransientStore Code = "TRANSIENT_STORE"

	// CodePermanentStore indicates a store failure that must not be retried.
	CodePermanentStore Code = "PERMANENT_STORE"

	// CodeReconciliationConflict indicates the authoritative value differs
	// from the optimistic local value.
	CodeReconciliationConflict Code = "RECONCILIATION_CONFLICT"
)

// Error is the structured error type for the synchronization layer.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Collection and DocID identify the affected document, when known.
	Collection string
	DocID      string

	// Err is the underlying cause (optional).
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Collection != "" || e.DocID != "" {
		msg = fmt.Sprintf("%s (%s/%s)", msg, e.Collection, e.DocID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a ValidationError.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a TransientStoreError.
func Transient(collection, docID string, err error) *Error {
	return &Error{
		Code:       CodeTransientStore,
		Message:    "store unavailable",
		Collection: collection,
		DocID:      docID,
		Err:        err,
	}
}

// Permanent wraps err as a PermanentStoreError.
func Permanent(collection, docID string, err error) *Error {
	return &Error{
		Code:       CodePermanentStore,
		Message:    "store rejected operation",
		Collection: collection,
		DocID:      docID,
		Err:        err,
	}
}

// Conflict creates a ReconciliationConflict for a document.
func Conflict(collection, docID, message string) *Error {
	return &Error{
		Code:       CodeReconciliationConflict,
		Message:    message,
		Collection: collection,
		DocID:      docID,
	}
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsTransient reports whether err is a TransientStoreError.
//
// Errors outside the taxonomy are not transient: an unclassified failure is
// treated as permanent by callers that must choose.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransientStore
}

// IsPermanent reports whether err is a PermanentStoreError.
func IsPermanent(err error) bool {
	return CodeOf(err) == CodePermanentStore
}

// IsConflict reports whether err is a ReconciliationConflict.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeReconciliationConflict
}
