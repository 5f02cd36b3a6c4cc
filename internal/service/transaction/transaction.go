// Package transaction accepts deposits, withdrawals and exchanges.
//
// Submission only records a PENDING transaction and publishes its settlement command;
// balances are changed later by the settlement worker.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/settlement"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/validate"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

type publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

type balanceReader interface {
	Balances(ctx context.Context, userID uuid.UUID) (map[models.Currency]decimal.Decimal, error)
}

type DepositRequest struct {
	UserID         uuid.UUID
	Currency       string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

type WithdrawalRequest struct {
	UserID         uuid.UUID
	Currency       string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

type ExchangeRequest struct {
	UserID         uuid.UUID
	FromCurrency   string
	ToCurrency     string
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// StatusReport describes the most recent transaction of a user
type StatusReport struct {
	TransactionID uuid.UUID
	Type          models.TransactionType
	Status        models.TransactionStatus
	ErrorMessage  *string
	UpdatedAt     time.Time
}

type TransactionService struct {
	storage   repository.Storage
	ledger    balanceReader
	publisher publisher
	topic     string
	logger    logger.Logger
}

func NewService(storage repository.Storage, ledger balanceReader, publisher publisher, topic string, l logger.Logger) *TransactionService {
	return &TransactionService{
		storage:   storage,
		ledger:    ledger,
		publisher: publisher,
		topic:     topic,
		logger:    l.With("component", "transaction-service"),
	}
}

func (s *TransactionService) SubmitDeposit(ctx context.Context, req DepositRequest) (models.Transaction, error) {
	currency, err := parseAmount(req.Currency, req.Amount)
	if err != nil {
		return models.Transaction{}, err
	}

	return s.submit(ctx, models.Transaction{
		UserID:      req.UserID,
		Type:        models.TransactionDeposit,
		Currency:    currency,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
	}, req.IdempotencyKey)
}

func (s *TransactionService) SubmitWithdrawal(ctx context.Context, req WithdrawalRequest) (models.Transaction, error) {
	currency, err := parseAmount(req.Currency, req.Amount)
	if err != nil {
		return models.Transaction{}, err
	}

	return s.submit(ctx, models.Transaction{
		UserID:      req.UserID,
		Type:        models.TransactionWithdrawal,
		Currency:    currency,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
	}, req.IdempotencyKey)
}

func (s *TransactionService) SubmitExchange(ctx context.Context, req ExchangeRequest) (models.Transaction, error) {
	from, err := parseAmount(req.FromCurrency, req.Amount)
	if err != nil {
		return models.Transaction{}, err
	}
	to, err := validate.Currency(req.ToCurrency)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if from == to {
		return models.Transaction{}, fmt.Errorf("%w: cannot exchange %s to itself", apperrors.ErrValidation, from)
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = models.ExchangeDescription(from, to, req.Amount)
	}

	return s.submit(ctx, models.Transaction{
		UserID:      req.UserID,
		Type:        models.TransactionExchange,
		Currency:    from,
		ToCurrency:  &to,
		Amount:      req.Amount,
		Description: description,
	}, req.IdempotencyKey)
}

func parseAmount(code string, amount decimal.Decimal) (models.Currency, error) {
	currency, err := validate.Currency(code)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if err := validate.Amount(amount, currency); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	return currency, nil
}

// submit stores PENDING transaction and publishes its settlement command in one database transaction.
// Publish failure rolls the insert back. Known idempotency key returns the stored transaction as is.
func (s *TransactionService) submit(ctx context.Context, txn models.Transaction, key string) (models.Transaction, error) {
	key = strings.TrimSpace(key)
	if err := validate.IdempotencyKey(key); err != nil {
		return models.Transaction{}, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if key != "" {
		txn.IdempotencyKey = &key

		existing, err := s.storage.Transaction().GetByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			s.logger.Info("Known idempotency key, returning stored transaction", "transaction_id", existing.ID, "idempotency_key", key)
			return existing, nil
		case errors.Is(err, apperrors.ErrTransactionNotFound):
		default:
			return models.Transaction{}, err
		}
	}

	if _, err := s.storage.User().GetUserByID(ctx, txn.UserID); err != nil {
		return models.Transaction{}, err
	}

	var (
		stored    models.Transaction
		duplicate bool
	)

	err := s.storage.InTx(ctx, func(tx repository.Storage) error {
		var err error

		stored, err = tx.Transaction().Create(ctx, txn)
		switch {
		case errors.Is(err, apperrors.ErrTransactionAlreadyExists):
			duplicate = true
			return nil
		case err != nil:
			return err
		}

		cmd, err := settlement.NewCommand(stored)
		if err != nil {
			return err
		}

		if _, _, err := s.publisher.PublishJSON(ctx, s.topic, cmd.Key(), cmd); err != nil {
			return fmt.Errorf("publish settlement command: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Transaction{}, err
	}

	if duplicate {
		s.logger.Info("Concurrent submission with same idempotency key, returning stored transaction", "transaction_id", stored.ID, "idempotency_key", key)
		return stored, nil
	}

	s.logger.Info("Transaction submitted", "transaction_id", stored.ID, "type", stored.Type, "reference", stored.ExternalReference)
	return stored, nil
}

func (s *TransactionService) Get(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return s.storage.Transaction().GetByID(ctx, id)
}

// Balances of all user accounts; user without accounts gets empty map
func (s *TransactionService) Balances(ctx context.Context, userID uuid.UUID) (map[models.Currency]decimal.Decimal, error) {
	if _, err := s.storage.User().GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	return s.ledger.Balances(ctx, userID)
}

// Status reports the most recent transaction
// Returns apperrors.ErrTransactionNotFound if the user has none
func (s *TransactionService) Status(ctx context.Context, userID uuid.UUID) (StatusReport, error) {
	if _, err := s.storage.User().GetUserByID(ctx, userID); err != nil {
		return StatusReport{}, err
	}

	last, err := s.storage.Transaction().GetLastByUser(ctx, userID)
	if err != nil {
		return StatusReport{}, err
	}

	return StatusReport{
		TransactionID: last.ID,
		Type:          last.Type,
		Status:        last.Status,
		ErrorMessage:  last.ErrorMessage,
		UpdatedAt:     last.UpdatedAt,
	}, nil
}

// History returns user transactions newest first
func (s *TransactionService) History(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	if _, err := s.storage.User().GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	return s.storage.Transaction().ListByUser(ctx, userID, limit)
}

// Cancel moves PENDING transaction to CANCELLED
// Transaction in any other status can't be cancelled: apperrors.ErrInvalidStatusTransition
func (s *TransactionService) Cancel(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	txn, err := s.storage.Transaction().UpdateStatus(ctx, id, models.StatusCancelled, nil)
	if err != nil {
		return txn, err
	}

	s.logger.Info("Transaction cancelled", "transaction_id", txn.ID)
	return txn, nil
}
