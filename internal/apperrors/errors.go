package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")

	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")

	ErrAccountNotFound     = errors.New("account not found")
	ErrBalanceInsufficient = errors.New("insufficient balance")
	ErrAmountOutOfRange    = fmt.Errorf("%w: amount out of range", ErrValidation)

	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionAlreadyExists = errors.New("transaction with idempotency key already exists")
	ErrInvalidStatusTransition  = errors.New("invalid transaction status transition")
)
