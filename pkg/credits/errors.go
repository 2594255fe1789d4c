package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAccountNotFound        = errors.New("account not found")
	ErrUnknownAction          = errors.New("unknown action")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidCreditAmount    = errors.New("invalid credit amount")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidActionCost      = errors.New("invalid action cost")
	ErrInvalidHistoryLimit    = errors.New("invalid history limit")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrLedgerTimeout          = errors.New("ledger transaction timeout")
	ErrMirrorSubmission       = errors.New("blockchain submission failed")
	ErrMirrorConfirmation     = errors.New("blockchain confirmation failed")
	ErrUnknownTransaction     = errors.New("unknown blockchain transaction")
	ErrTransactionNotPending  = errors.New("blockchain transaction not pending")
	ErrDuplicatePayment       = errors.New("duplicate provider transaction")
	ErrInvalidPaymentAmount   = errors.New("invalid payment amount")
	ErrInvalidPaymentProvider = errors.New("invalid payment provider")
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
