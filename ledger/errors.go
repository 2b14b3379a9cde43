/*
errors.go - Error taxonomy for the ledger engine

PURPOSE:
  Every failure surfaced by the engine, reader or recorder falls into one
  of six categories. Callers branch with errors.Is on the sentinels and
  errors.As on the structured types to render a specific message.

ERROR CATEGORIES:
  1. NotFound      - a referenced id does not exist
  2. Validation    - a precondition was violated (nothing was written)
  3. Permission    - status-gated operation on a non-editable invoice
  4. Conflict      - optimistic version check failed (nothing was written)
  5. TransientStore - store unavailable or timed out, retry the whole call
  6. CorruptDocument - a stored document cannot be decoded, retrying
                       returns the same error

USAGE:
  if errors.Is(err, ledger.ErrValidation) {
      var verr *ledger.ValidationError
      errors.As(err, &verr)
      // verr.IDs names the offending line items
  }

SEE ALSO:
  - engine.go: raises these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrPermission      = errors.New("operation not permitted")
	ErrConflict        = errors.New("concurrent modification detected")
	ErrTransientStore  = errors.New("store unavailable")
	ErrCorruptDocument = errors.New("corrupt document")
)

// Validation codes carried by ValidationError.Code.
const (
	CodeInvalidInput        = "invalid_input"
	CodeMissingField        = "missing_field"
	CodeDuplicateInput      = "duplicate_input"
	CodeCrossCampaign       = "cross_campaign"
	CodeAlreadyInvoiced     = "already_invoiced"
	CodeDuplicateMembership = "duplicate_membership"
	CodeNotMember           = "not_member"
	CodeSameInvoice         = "same_invoice"
	CodeInvalidStatus       = "invalid_status"
	CodeInvalidCursor       = "invalid_cursor"
	CodeQueryCapability     = "query_capability"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing ids.
type NotFoundError struct {
	Collection Collection
	IDs        []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Collection, strings.Join(e.IDs, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError reports a violated precondition. IDs lists the offending
// documents when the violation is item-specific.
type ValidationError struct {
	Code    string
	Message string
	IDs     []string
}

func (e *ValidationError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, strings.Join(e.IDs, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(code string, ids []string, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...), IDs: ids}
}

// PermissionError is returned when the invoice status forbids the operation.
type PermissionError struct {
	Operation string
	InvoiceID string
	Status    InvoiceStatus
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s not permitted: invoice %s is %s", e.Operation, e.InvoiceID, e.Status)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// ConflictError reports a failed version precondition on a batch write.
type ConflictError struct {
	Collection Collection
	ID         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write on %s/%s", e.Collection, e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// CorruptDocumentError reports a stored field that cannot be decoded.
type CorruptDocumentError struct {
	ID    string
	Field string
	Err   error
}

func (e *CorruptDocumentError) Error() string {
	return fmt.Sprintf("document %s field %s: %v", e.ID, e.Field, e.Err)
}

func (e *CorruptDocumentError) Unwrap() []error { return []error{ErrCorruptDocument, e.Err} }

// TransientStoreError wraps an infrastructure failure. The whole operation
// may be retried by the caller.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() []error { return []error{ErrTransientStore, e.Err} }

// Transient wraps err as a TransientStoreError unless it already carries a
// ledger category. nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientStore) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrCorruptDocument) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if retrying the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransientStore) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid caller input
// or a status policy.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrPermission)
}

// IsNotFound returns true if the error indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
