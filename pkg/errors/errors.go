package errors

import (
	"errors"
	"fmt"
)

// Domain error types for business logic

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")
)

// Trading errors

var (
	// ErrUpstreamDown indicates the price feed cannot produce a fresh-enough price
	ErrUpstreamDown = errors.New("price upstream down")

	// ErrInsufficientMargin indicates an open request exceeds the wallet balance
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrInvalidSLTP indicates stop-loss/take-profit inconsistent with side or liquidation
	ErrInvalidSLTP = errors.New("invalid stop-loss/take-profit")

	// ErrUnknownSymbol indicates the symbol is absent from the whitelist
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrPositionNotFound indicates a close request for an unknown or already-closed position
	ErrPositionNotFound = errors.New("position not found")

	// ErrTradingDisabled indicates auto-trading is switched off or self-disabled
	ErrTradingDisabled = errors.New("auto-trading disabled")

	// ErrPersistenceFault indicates a durable-state write failed inside the book
	ErrPersistenceFault = errors.New("persistence fault")
)

// ML errors

var (
	// ErrSchemaMismatch indicates a feature vector and model disagree on schema id
	ErrSchemaMismatch = errors.New("feature schema mismatch")

	// ErrModelQuarantined indicates a learner failed and was removed from the ensemble
	ErrModelQuarantined = errors.New("model quarantined")

	// ErrNoModels indicates the ensemble has no models loaded
	ErrNoModels = errors.New("no models loaded")
)

// Code returns the stable API error code for a domain error.
// Unrecognized errors map to INTERNAL so clients never see raw messages.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamDown):
		return "UPSTREAM_DOWN"
	case errors.Is(err, ErrInsufficientMargin):
		return "INSUFFICIENT_MARGIN"
	case errors.Is(err, ErrInvalidSLTP):
		return "INVALID_SLTP"
	case errors.Is(err, ErrUnknownSymbol):
		return "UNKNOWN_SYMBOL"
	case errors.Is(err, ErrSchemaMismatch):
		return "SCHEMA_MISMATCH"
	case errors.Is(err, ErrPositionNotFound):
		return "POSITION_NOT_FOUND"
	case errors.Is(err, ErrModelQuarantined):
		return "MODEL_QUARANTINED"
	case errors.Is(err, ErrTradingDisabled):
		return "TRADING_DISABLED"
	case errors.Is(err, ErrPersistenceFault):
		return "PERSISTENCE_FAULT"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
