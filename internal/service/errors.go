package service

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrEscrowLocked     = errors.New("escrow locked by active dispute")
	ErrGatewayFailure   = errors.New("payment gateway failure")
	ErrConflict         = errors.New("concurrent modification, retry")
)
