package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

type TransactionRepo struct {
	DB DBTX
}

const transactionColumns = `id, created_at, updated_at, processed_at, user_id, type, currency, to_currency,
	amount, status, idempotency_key, external_reference, description, error_message`

// Create transaction
// If transaction with the idempotency key already exists return it as is
const createTransaction = `-- name: CreateTransaction
WITH insert_transaction AS (
	INSERT INTO transactions (
		id, created_at, updated_at, processed_at, user_id, type, currency, to_currency,
		amount, status, idempotency_key, external_reference, description, error_message
	)
	VALUES ($1, $2, $2, NULL, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)
	ON CONFLICT (idempotency_key) DO NOTHING
	RETURNING ` + transactionColumns + `
)
SELECT * FROM insert_transaction
UNION ALL
SELECT ` + transactionColumns + ` FROM transactions WHERE $9::varchar IS NOT NULL AND idempotency_key = $9
LIMIT 1
`

func (r *TransactionRepo) Create(ctx context.Context, t models.Transaction) (models.Transaction, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	if t.ExternalReference == "" {
		t.ExternalReference = models.NewExternalReference(t.ID)
	}

	rows, _ := r.DB.Query(ctx, createTransaction,
		t.ID, t.CreatedAt, t.UserID, t.Type, t.Currency, t.ToCurrency,
		t.Amount, t.Status, t.IdempotencyKey, t.ExternalReference, t.Description,
	)
	stored, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil && stored.ID == t.ID:
		return stored, nil
	case err == nil:
		return stored, apperrors.ErrTransactionAlreadyExists
	case errors.Is(err, pgx.ErrNoRows) && t.IdempotencyKey != nil:
		// The conflicting row was committed concurrently and is not visible in the statement snapshot
		stored, err = r.GetByIdempotencyKey(ctx, *t.IdempotencyKey)
		if err != nil {
			return stored, err
		}
		return stored, apperrors.ErrTransactionAlreadyExists
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		return stored, apperrors.ErrUserNotFound
	}
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NumericValueOutOfRange {
		return stored, apperrors.ErrAmountOutOfRange
	}

	return stored, fmt.Errorf("db error: %w", err)
}

const getTransactionByID = `-- name: GetTransactionByID
SELECT ` + transactionColumns + ` FROM transactions
WHERE id = $1
`

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, getTransactionByID, id)
	return collectTransaction(rows)
}

const getTransactionByIdempotencyKey = `-- name: GetTransactionByIdempotencyKey
SELECT ` + transactionColumns + ` FROM transactions
WHERE idempotency_key = $1
`

func (r *TransactionRepo) GetByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, getTransactionByIdempotencyKey, key)
	return collectTransaction(rows)
}

const getLastTransactionByUser = `-- name: GetLastTransactionByUser
SELECT ` + transactionColumns + ` FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
`

func (r *TransactionRepo) GetLastByUser(ctx context.Context, userID uuid.UUID) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, getLastTransactionByUser, userID)
	return collectTransaction(rows)
}

const listTransactionsByUser = `-- name: ListTransactionsByUser
SELECT ` + transactionColumns + ` FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`

func (r *TransactionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, _ := r.DB.Query(ctx, listTransactionsByUser, userID, limit)
	transactions, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return transactions, nil
}

const listPendingTransactions = `-- name: ListPendingTransactions
SELECT ` + transactionColumns + ` FROM transactions
WHERE status = 'PENDING' AND created_at < $1
ORDER BY created_at, id
LIMIT $2
`

func (r *TransactionRepo) ListPending(ctx context.Context, before time.Time, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, _ := r.DB.Query(ctx, listPendingTransactions, before, limit)
	transactions, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return transactions, nil
}

// Update status only if current status is one of allowed sources
// processed_at is set once transaction reaches COMPLETED or FAILED
const updateTransactionStatus = `-- name: UpdateTransactionStatus
UPDATE transactions SET
	status = $2,
	error_message = $3,
	updated_at = now(),
	processed_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED') THEN now() ELSE processed_at END
WHERE id = $1 AND status = ANY($4)
RETURNING ` + transactionColumns

func (r *TransactionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, to models.TransactionStatus, errorMessage *string) (models.Transaction, error) {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return models.Transaction{}, fmt.Errorf("%w: no way to move to %s", apperrors.ErrInvalidStatusTransition, to)
	}

	from := make([]string, 0, len(sources))
	for _, s := range sources {
		from = append(from, string(s))
	}

	rows, _ := r.DB.Query(ctx, updateTransactionStatus, id, string(to), errorMessage, from)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Either not exists or status not allowed. Find out which one
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return current, getErr
		}
		return current, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidStatusTransition, current.Status, to)
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

func collectTransaction(rows pgx.Rows) (models.Transaction, error) {
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, apperrors.ErrTransactionNotFound
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

func rowToTransaction(row pgx.CollectableRow) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt, &t.ProcessedAt, &t.UserID, &t.Type, &t.Currency, &t.ToCurrency,
		&t.Amount, &t.Status, &t.IdempotencyKey, &t.ExternalReference, &t.Description, &t.ErrorMessage,
	)
	return t, err
}
