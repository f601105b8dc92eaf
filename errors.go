package smarterdoc

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

// Sentinel errors for common conditions
var (
	// Connection errors
	ErrConnection       = errors.New("connection failed")
	ErrClientNotReady   = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrStoreTimeout     = errors.New("store operation timed out")

	// Schema errors
	ErrDuplicateSchema = errors.New("schema already registered")
	ErrUnknownSchema   = errors.New("schema not registered")
	ErrInvalidSchema   = errors.New("invalid schema declaration")

	// Codec errors
	ErrMissingRequiredField  = errors.New("required field is unset")
	ErrDocumentShapeMismatch = errors.New("document does not match schema")

	// Reference errors
	ErrReferenceTargetMissing = errors.New("referenced document does not exist")
	ErrReferenceCycleDetected = errors.New("reference cycle detected")

	// Blob errors
	ErrBlobTransfer = errors.New("blob transfer failed")
	ErrOrphanedBlob = errors.New("blob left orphaned after document delete")

	// Data errors
	ErrNotFound    = errors.New("object not found")
	ErrConflict    = errors.New("concurrent modification detected")
	ErrInvalidData = errors.New("invalid data format")

	// Backend errors
	ErrUnauthorized = errors.New("unauthorized access")

	// Lock errors
	ErrLockHeld    = errors.New("lock already held by another process")
	ErrLockTimeout = errors.New("failed to acquire lock within timeout")
	ErrBreakerOpen = errors.New("circuit breaker is open")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// storeError maps driver failures onto the package taxonomy. Timeouts and
// cancelled deadlines become ErrStoreTimeout; the driver error stays in the chain.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrReferenceTargetMissing)
}

// IsConflict checks if an error is a conflict/concurrent modification error
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsOrphanedBlob reports whether err carries an orphaned blob warning
func IsOrphanedBlob(err error) bool {
	return errors.Is(err, ErrOrphanedBlob)
}

// IsInvalidConfig checks if an error is a configuration error
func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrBreakerOpen) ||
		errors.Is(err, ErrBlobTransfer)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrUnknownSchema) ||
		errors.Is(err, ErrInvalidSchema) ||
		errors.Is(err, ErrMissingRequiredField) ||
		errors.Is(err, ErrDocumentShapeMismatch) ||
		errors.Is(err, ErrReferenceCycleDetected)
}
