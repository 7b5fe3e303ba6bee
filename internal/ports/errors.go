package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrBelowMinNotional     = errors.New("order value below the symbol's minimum notional")
	ErrOpenPositionExists   = errors.New("operation refused while a position is open")
	ErrPriceUnavailable     = errors.New("no usable market price available")

	// Orchestration Errors
	ErrStartRateExceeded = errors.New("too many start attempts, slow down")
	ErrAgentNotFound     = errors.New("no agent registered for user")

	// Store Specific Errors
	ErrStoreUnavailable = errors.New("persistent store is unavailable")
	ErrUpdateFailed     = errors.New("store update failed")
	ErrQueryFailed      = errors.New("store query failed")
)
