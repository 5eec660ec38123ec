package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidOrder    = errors.New("invalid order parameters")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrLockHeld        = errors.New("lock already held")
	ErrExecutionExists = errors.New("execution already active for symbol")

	// ErrMarketDataUnavailable means no book snapshot could be produced. Callers
	// back off and retry; it is never fatal.
	ErrMarketDataUnavailable = errors.New("market data unavailable")
	// ErrOrderRejected means the venue refused a place request.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderGone means the working order reached a terminal non-fill state
	// while quantity remains.
	ErrOrderGone = errors.New("order gone")
	// ErrGatewayUnavailable means the venue could not be reached. Fatal to an
	// execution.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrCancelRace means the order filled between a status poll and a cancel.
	ErrCancelRace = errors.New("order filled before cancel")
)
