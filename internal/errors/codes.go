// Package errors provides structured ledger errors with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"
	// CodeInternal represents a broken invariant inside the ledger.
	CodeInternal Code = "INTERNAL"

	// Input errors
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeInvalidAccount     Code = "INVALID_ACCOUNT"
	CodeZeroAmountTransfer Code = "ZERO_AMOUNT_TRANSFER"
	CodeSelfTransfer       Code = "SELF_TRANSFER"

	// Registration errors
	CodeInsufficientStorageDeposit Code = "INSUFFICIENT_STORAGE_DEPOSIT"
	CodeAccountNotRegistered       Code = "ACCOUNT_NOT_REGISTERED"
	CodeSenderNotRegistered        Code = "SENDER_NOT_REGISTERED"
	CodeReceiverNotRegistered      Code = "RECEIVER_NOT_REGISTERED"
	CodeNonEmptyBalanceOnClose     Code = "NON_EMPTY_BALANCE_ON_CLOSE"

	// Balance errors
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeAlreadyIssued       Code = "ALREADY_ISSUED"

	// CodeIdempotencyConflict means the idempotency key belongs to a different request.
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"

	// Settlement errors. These are resolved into a full refund and never reach callers.
	CodeMalformedReceiverResponse Code = "MALFORMED_RECEIVER_RESPONSE"
	CodeReceiverInvocationFailed  Code = "RECEIVER_INVOCATION_FAILED"
	CodeReceiverUnreachable       Code = "RECEIVER_UNREACHABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeInvalidArgument,
		CodeInvalidAmount,
		CodeInvalidAccount,
		CodeZeroAmountTransfer,
		CodeSelfTransfer,
		CodeInsufficientStorageDeposit:
		return http.StatusBadRequest

	// NotFound - account doesn't exist
	case CodeAccountNotRegistered,
		CodeSenderNotRegistered,
		CodeReceiverNotRegistered:
		return http.StatusNotFound

	// Conflict - state doesn't allow operation
	case CodeNonEmptyBalanceOnClose,
		CodeInsufficientBalance,
		CodeAlreadyIssued,
		CodeIdempotencyConflict:
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}
