package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

type AccountRepo struct {
	DB DBTX
}

const accountColumns = `id, created_at, updated_at, user_id, currency, balance`

// Create account if not exists and return the stored one
const ensureAccount = `-- name: EnsureAccount
WITH insert_account AS (
	INSERT INTO accounts (id, user_id, currency, balance)
	VALUES ($1, $2, $3, 0)
	ON CONFLICT (user_id, currency) DO NOTHING
	RETURNING ` + accountColumns + `
)
SELECT * FROM insert_account
UNION ALL
SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $2 AND currency = $3
LIMIT 1
`

func (r *AccountRepo) Ensure(ctx context.Context, userID uuid.UUID, currency models.Currency) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, ensureAccount, uuid.New(), userID, currency)
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return account, apperrors.ErrUserNotFound
		}

		// Concurrent insert committed after our snapshot was taken; it is visible now
		if errors.Is(err, pgx.ErrNoRows) {
			return r.Get(ctx, userID, currency)
		}

		return account, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

const getAccount = `-- name: GetAccount
SELECT ` + accountColumns + ` FROM accounts
WHERE user_id = $1 AND currency = $2
`

func (r *AccountRepo) Get(ctx context.Context, userID uuid.UUID, currency models.Currency) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, getAccount, userID, currency)
	return collectAccount(rows)
}

const getAccountForUpdate = `-- name: GetAccountForUpdate
SELECT ` + accountColumns + ` FROM accounts
WHERE user_id = $1 AND currency = $2
FOR UPDATE
`

func (r *AccountRepo) GetForUpdate(ctx context.Context, userID uuid.UUID, currency models.Currency) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, getAccountForUpdate, userID, currency)
	return collectAccount(rows)
}

const listAccounts = `-- name: ListAccounts
SELECT ` + accountColumns + ` FROM accounts
WHERE user_id = $1
ORDER BY currency
`

func (r *AccountRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Account, error) {
	rows, _ := r.DB.Query(ctx, listAccounts, userID)
	accounts, err := pgx.CollectRows(rows, rowToAccount)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return accounts, nil
}

const setBalance = `-- name: SetBalance
UPDATE accounts SET balance = $2, updated_at = now()
WHERE id = $1
RETURNING ` + accountColumns

func (r *AccountRepo) SetBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) (models.Account, error) {
	if balance.IsNegative() {
		return models.Account{}, apperrors.ErrBalanceInsufficient
	}

	rows, _ := r.DB.Query(ctx, setBalance, accountID, balance)
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return account, apperrors.ErrBalanceInsufficient
		}
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NumericValueOutOfRange {
			return account, apperrors.ErrAmountOutOfRange
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return account, apperrors.ErrAccountNotFound
		}

		return account, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

func collectAccount(rows pgx.Rows) (models.Account, error) {
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, fmt.Errorf("db error: %w", err)
	}
}

func rowToAccount(row pgx.CollectableRow) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt, &a.UserID, &a.Currency, &a.Balance)
	return a, err
}
