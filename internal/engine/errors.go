package engine

import "errors"

// Client errors, surfaced verbatim and never retried. Insufficient
// balance is normal control flow, not an exceptional condition.
var (
	ErrInvalidStake        = errors.New("stake must be greater than zero")
	ErrInvalidSide         = errors.New("side must be BUY or SELL")
	ErrInvalidAsset        = errors.New("asset is required")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRequestIDConflict   = errors.New("request id belongs to another account")
)
