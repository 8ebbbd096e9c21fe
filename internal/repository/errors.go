package repository

import (
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound aliases the gorm sentinel so callers can keep a single check.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrConflict means a conditional write matched zero rows: the entity
	// moved to another state between read and write.
	ErrConflict = errors.New("concurrent modification")

	// ErrLocked means an active dispute hold blocks the requested ledger
	// movement.
	ErrLocked = errors.New("escrow locked by dispute hold")

	// ErrInsufficientFunds means the movement would push released+refunded
	// above the funded total for its scope.
	ErrInsufficientFunds = errors.New("insufficient escrow balance")

	// ErrDuplicate means a uniqueness rule rejected the insert, e.g. a
	// second running timer on the same contract.
	ErrDuplicate = errors.New("duplicate entity")
)
