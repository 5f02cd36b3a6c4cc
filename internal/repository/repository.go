package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

// Storage gives access to all repositories bound to the same connection or transaction
type Storage interface {
	User() UserRepo
	Account() AccountRepo
	Transaction() TransactionRepo

	// Run fn in database transaction
	// Repositories passed to fn share the transaction. Commit if fn returns nil, rollback otherwise
	InTx(ctx context.Context, fn func(Storage) error) error
}

// User repository interface
type UserRepo interface {
	// Create user
	// If user with the email exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, name string, email string, passwordHash string) (models.User, error)

	// Get user by it's id or email
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)

	UpdateName(ctx context.Context, userID uuid.UUID, name string) (models.User, error)
}

// Account repository interface
// Balances must be changed only through the ledger service
type AccountRepo interface {
	// Create zero balance account if it not exists; return the account as is otherwise
	Ensure(ctx context.Context, userID uuid.UUID, currency models.Currency) (models.Account, error)

	// Get account and lock its row till the end of the transaction
	// If account not found must return apperrors.ErrAccountNotFound
	GetForUpdate(ctx context.Context, userID uuid.UUID, currency models.Currency) (models.Account, error)

	Get(ctx context.Context, userID uuid.UUID, currency models.Currency) (models.Account, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Account, error)

	SetBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) (models.Account, error)
}

// Transaction repository interface
type TransactionRepo interface {
	// Create transaction
	// If transaction with the same idempotency key exists must return the stored one
	// together with apperrors.ErrTransactionAlreadyExists
	Create(ctx context.Context, tx models.Transaction) (models.Transaction, error)

	// If transaction not found must return apperrors.ErrTransactionNotFound
	GetByID(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error)
	GetLastByUser(ctx context.Context, userID uuid.UUID) (models.Transaction, error)

	// List user transactions, newest first
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error)

	// List PENDING transactions created before 'before', oldest first
	ListPending(ctx context.Context, before time.Time, limit int) ([]models.Transaction, error)

	// Move transaction to status 'to'
	// Must return apperrors.ErrInvalidStatusTransition if current status can't be moved to 'to'
	UpdateStatus(ctx context.Context, id uuid.UUID, to models.TransactionStatus, errorMessage *string) (models.Transaction, error)
}
