package alpaca

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Alpaca error numbers.
const (
	CodeNotImplemented       = 0x400
	CodeInvalidValue         = 0x401
	CodeValueNotSet          = 0x402
	CodeNotConnected         = 0x407
	CodeInvalidOperation     = 0x40B
	CodeActionNotImplemented = 0x40C
	CodeDriverBase           = 0x500
)

// Error is an Alpaca failure carried in the response body of an HTTP 200.
type Error struct {
	Number  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error with the same number, so wrapped constructors compare
// equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Number == e.Number
}

var (
	ErrNotImplemented         = &Error{CodeNotImplemented, "Property or method not implemented"}
	ErrPropertyNotImplemented = &Error{CodeNotImplemented, "Property not implemented"}
	ErrMethodNotImplemented   = &Error{CodeNotImplemented, "Method not implemented"}
	ErrInvalidValue           = &Error{CodeInvalidValue, "Invalid value"}
	ErrValueNotSet            = &Error{CodeValueNotSet, "Value not set"}
	ErrNotConnected           = &Error{CodeNotConnected, "Not connected"}
	ErrInvalidOperation       = &Error{CodeInvalidOperation, "Invalid operation"}
	ErrActionNotImplemented   = &Error{CodeActionNotImplemented, "Action not implemented"}
)

func InvalidValue(format string, args ...any) *Error {
	return &Error{CodeInvalidValue, fmt.Sprintf(format, args...)}
}

func InvalidOperation(format string, args ...any) *Error {
	return &Error{CodeInvalidOperation, fmt.Sprintf(format, args...)}
}

// NewDriverError reports an unexpected failure of op.
func NewDriverError(op string, err error) *Error {
	return &Error{CodeDriverBase, fmt.Sprintf("%s failed: %v", op, err)}
}

// AsError maps err to the nearest Alpaca error. Anything that is not already
// an *Error becomes a driver exception.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var alpacaErr *Error
	if errors.As(err, &alpacaErr) {
		return alpacaErr
	}
	return &Error{CodeDriverBase, err.Error()}
}

// BadRequestError is a malformed request. It is answered with HTTP 400 instead
// of an Alpaca error body.
type BadRequestError struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (e *BadRequestError) Error() string {
	return e.Title + ": " + e.Description
}

func badRequest(title, format string, args ...any) *BadRequestError {
	return &BadRequestError{Title: title, Description: fmt.Sprintf(format, args...)}
}

func writeBadRequest(w http.ResponseWriter, err *BadRequestError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(err)
}
