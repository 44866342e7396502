package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every error the transfer engine can surface.
type ErrorKind int

const (
	KindTechnical ErrorKind = iota
	KindValidation
	KindSameAccount
	KindUserNotFound
	KindTransferNotFound
	KindInsufficientFunds
	KindInvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSameAccount:
		return "same_account"
	case KindUserNotFound:
		return "user_not_found"
	case KindTransferNotFound:
		return "transfer_not_found"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindInvalidState:
		return "invalid_state"
	default:
		return "technical"
	}
}

// Error is the tagged error raised by the engine. Two Errors match under
// errors.Is when their kinds are equal.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrInvalidAmount     = &Error{Kind: KindValidation, Message: "amount must be positive"}
	ErrAmountPrecision   = &Error{Kind: KindValidation, Message: "amount must have at most 2 decimal places"}
	ErrAmountTooLarge    = &Error{Kind: KindValidation, Message: "amount exceeds the maximum supported value"}
	ErrSameAccount       = &Error{Kind: KindSameAccount, Message: "origin and destination cannot be the same"}
	ErrUserNotFound      = &Error{Kind: KindUserNotFound, Message: "user not found"}
	ErrTransferNotFound  = &Error{Kind: KindTransferNotFound, Message: "transaction not found"}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}
	ErrInvalidState      = &Error{Kind: KindInvalidState, Message: "invalid transaction state"}
	ErrTechnical         = &Error{Kind: KindTechnical, Message: "technical error"}
)

// NewError builds a tagged error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapTechnical tags an unclassified failure as technical. Domain errors pass through.
func WrapTechnical(msg string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return err
	}
	return &Error{Kind: KindTechnical, Message: msg, Err: err}
}

// KindOf returns the kind of the first tagged error in the chain.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindTechnical
}

// ErrorCode is the stable code and HTTP status surfaced to callers.
type ErrorCode struct {
	Code   string
	Status int
}

const (
	CodeInsufficientFunds       = "INSUFFICIENT_FUNDS"
	CodeUserNotFound            = "USER_NOT_FOUND"
	CodeTransactionNotFound     = "TRANSACTION_NOT_FOUND"
	CodeInvalidTransactionState = "INVALID_TRANSACTION_STATE"
	CodeSameAccount             = "SAME_ACCOUNT"
	CodeTechnicalError          = "TECHNICAL_ERROR"
)

var errorCodes = map[ErrorKind]ErrorCode{
	KindInsufficientFunds: {Code: CodeInsufficientFunds, Status: http.StatusBadRequest},
	KindUserNotFound:      {Code: CodeUserNotFound, Status: http.StatusNotFound},
	KindTransferNotFound:  {Code: CodeTransactionNotFound, Status: http.StatusNotFound},
	KindInvalidState:      {Code: CodeInvalidTransactionState, Status: http.StatusBadRequest},
	KindSameAccount:       {Code: CodeSameAccount, Status: http.StatusBadRequest},
	KindValidation:        {Code: CodeTechnicalError, Status: http.StatusBadRequest},
	KindTechnical:         {Code: CodeTechnicalError, Status: http.StatusInternalServerError},
}

// LookupErrorCode maps an error to its code. Tagged kinds missing from the
// table fall back to the generic business-rule code, never to success.
func LookupErrorCode(err error) ErrorCode {
	var domainErr *Error
	if !errors.As(err, &domainErr) {
		return errorCodes[KindTechnical]
	}
	if code, ok := errorCodes[domainErr.Kind]; ok {
		return code
	}
	return ErrorCode{Code: CodeInvalidTransactionState, Status: http.StatusBadRequest}
}
