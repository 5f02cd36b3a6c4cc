package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
	TransactionExchange   TransactionType = "EXCHANGE"
)

func ParseTransactionType(s string) (TransactionType, bool) {
	switch t := TransactionType(strings.ToUpper(s)); t {
	case TransactionDeposit, TransactionWithdrawal, TransactionExchange:
		return t, true
	default:
		return "", false
	}
}

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
)

func ParseTransactionStatus(s string) (TransactionStatus, bool) {
	switch st := TransactionStatus(strings.ToUpper(s)); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transition is allowed
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Statuses a transaction may move to the key status from.
// PROCESSING -> PROCESSING is allowed so a redelivered command can be settled again.
var transitionSources = map[TransactionStatus][]TransactionStatus{
	StatusProcessing: {StatusPending, StatusProcessing},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
	StatusCancelled:  {StatusPending},
}

// TransitionSources returns statuses from which moving to 'to' is legal
func TransitionSources(to TransactionStatus) []TransactionStatus {
	return transitionSources[to]
}

func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	for _, from := range transitionSources[to] {
		if from == s {
			return true
		}
	}
	return false
}

type Transaction struct {
	ID                uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ProcessedAt       *time.Time
	UserID            uuid.UUID
	Type              TransactionType
	Currency          Currency
	ToCurrency        *Currency
	Amount            decimal.Decimal
	Status            TransactionStatus
	IdempotencyKey    *string
	ExternalReference string
	Description       string
	ErrorMessage      *string
}

// NewExternalReference returns a human readable reference like 'TXN-1A2B3C4D'
func NewExternalReference(id uuid.UUID) string {
	return "TXN-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

// ExchangeDescription is the default description of an exchange transaction
func ExchangeDescription(from, to Currency, amount decimal.Decimal) string {
	return fmt.Sprintf("Exchange %s to %s: %s", from, to, amount.String())
}
