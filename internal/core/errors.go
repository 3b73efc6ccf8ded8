package core

import "errors"

// Error kinds shared across components. Callers match with errors.Is; wrap
// with fmt.Errorf("...: %w", err) to add context without losing the kind.
var (
	// ErrConfigInvalid marks unusable configuration. Fatal at startup.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrAuthFailed marks a credential rejection from an upstream provider.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrMarketNotFound marks an unknown market identifier.
	ErrMarketNotFound = errors.New("market not found")

	// ErrMarketInactive marks a market that is closed or no longer tradeable.
	ErrMarketInactive = errors.New("market inactive")

	// ErrUpstreamTransient marks a retryable upstream failure.
	ErrUpstreamTransient = errors.New("upstream transient failure")

	// ErrUpstreamProtocol marks a non-retryable upstream response the client
	// could not interpret.
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	// ErrCryptoIntegrity marks an authentication-tag mismatch on stored
	// ciphertext. Fatal at startup, terminal for the affected wallet at runtime.
	ErrCryptoIntegrity = errors.New("ciphertext integrity check failed")

	// ErrInsufficientFunds marks an automation wallet with no spendable balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRouteUnavailable marks a DEX router that cannot quote the requested pair.
	ErrRouteUnavailable = errors.New("swap route unavailable")

	// ErrBlockhashExpired marks a transaction whose blockhash fell out of the
	// validity window before confirmation.
	ErrBlockhashExpired = errors.New("blockhash expired")

	// ErrConfirmationTimeout marks a submitted transaction that did not reach
	// the configured commitment in time.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrLockHeld is benign: another process holds the per-rule lock.
	ErrLockHeld = errors.New("lock held by another owner")

	// ErrInvalidTransition marks a status change outside the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleData marks market data older than the staleness window.
	ErrStaleData = errors.New("stale market data")

	// ErrStoreFailure marks an underlying database error.
	ErrStoreFailure = errors.New("store failure")

	// ErrNotFound marks a missing row.
	ErrNotFound = errors.New("not found")
)
