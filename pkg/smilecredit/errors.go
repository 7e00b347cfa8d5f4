package smilecredit

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the session and its gateways.
var (
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrCaptureFailed        = errors.New("capture failed")
	ErrModelUnavailable     = errors.New("model unavailable")
	ErrNoFaceDetected       = errors.New("no face detected")
	ErrUserRejected         = errors.New("user rejected")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrLedgerRejected       = errors.New("ledger rejected")
	ErrTransportFailure     = errors.New("transport failure")
	ErrOperationInFlight    = errors.New("operation in flight")
	ErrInvalidPhase         = errors.New("invalid phase")
	ErrDuplicateReceipt     = errors.New("duplicate receipt")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidConfidence    = errors.New("invalid confidence")
	ErrInvalidImage         = errors.New("invalid image")
	ErrInvalidReceipt       = errors.New("invalid receipt")
	ErrSessionClosed        = errors.New("session closed")
	ErrIdentityRequired     = errors.New("identity required")
	ErrInvalidSessionConfig = errors.New("invalid session config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
