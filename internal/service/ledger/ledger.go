// Package ledger is the only place where account balances are changed.
//
// Every change takes the in-process lock of each touched (owner, currency) pair and the row lock
// of the account in the same total order, so concurrent changes of one balance are serialized and
// changes of several balances never deadlock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository"
)

// Delta is a signed change of one balance
type Delta struct {
	UserID   uuid.UUID
	Currency models.Currency
	Amount   decimal.Decimal
}

func (d Delta) key() string {
	return d.UserID.String() + ":" + string(d.Currency)
}

type Ledger struct {
	storage repository.Storage
	locker  *KeyLocker
	logger  logger.Logger
}

func New(storage repository.Storage, l logger.Logger) *Ledger {
	return &Ledger{
		storage: storage,
		locker:  NewKeyLocker(),
		logger:  l.With("component", "ledger"),
	}
}

// ApplyDelta changes one balance and returns the new value
// Negative result is rejected with apperrors.ErrBalanceInsufficient, result reaching models.MaxAmount
// with apperrors.ErrAmountOutOfRange; nothing is written in both cases
func (l *Ledger) ApplyDelta(ctx context.Context, userID uuid.UUID, currency models.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	accounts, err := l.Apply(ctx, []Delta{{UserID: userID, Currency: currency, Amount: amount}}, nil)
	if err != nil {
		return decimal.Zero, err
	}

	return accounts[0].Balance, nil
}

// Apply changes all balances in one database transaction; either all deltas are applied or none.
// If 'within' is not nil it runs in the same transaction after the deltas while locks are still held,
// its error rolls the deltas back.
// Returned accounts are ordered by owner and currency.
func (l *Ledger) Apply(ctx context.Context, deltas []Delta, within func(repository.Storage) error) ([]models.Account, error) {
	merged, err := mergeDeltas(deltas)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(merged))
	for _, d := range merged {
		keys = append(keys, d.key())
	}

	unlock := l.locker.Lock(keys...)
	defer unlock()

	accounts := make([]models.Account, 0, len(merged))

	err = l.storage.InTx(ctx, func(tx repository.Storage) error {
		accounts = accounts[:0]

		for _, d := range merged {
			account, err := apply(ctx, tx.Account(), d)
			if err != nil {
				return err
			}
			accounts = append(accounts, account)
		}

		if within != nil {
			return within(tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range accounts {
		l.logger.Debug("balance changed", "user_id", a.UserID, "currency", a.Currency, "balance", a.Balance)
	}

	return accounts, nil
}

func apply(ctx context.Context, repo repository.AccountRepo, d Delta) (models.Account, error) {
	account, err := repo.GetForUpdate(ctx, d.UserID, d.Currency)

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrAccountNotFound) && d.Amount.IsNegative():
		return account, fmt.Errorf("%w: no %s account", apperrors.ErrBalanceInsufficient, d.Currency)
	case errors.Is(err, apperrors.ErrAccountNotFound):
		if _, err := repo.Ensure(ctx, d.UserID, d.Currency); err != nil {
			return account, err
		}
		account, err = repo.GetForUpdate(ctx, d.UserID, d.Currency)
		if err != nil {
			return account, err
		}
	default:
		return account, err
	}

	if d.Amount.IsZero() {
		return account, nil
	}

	balance := account.Balance.Add(d.Amount)
	if balance.IsNegative() {
		return account, fmt.Errorf("%w: %s balance %s, change %s", apperrors.ErrBalanceInsufficient, d.Currency, account.Balance, d.Amount)
	}
	if balance.GreaterThanOrEqual(models.MaxAmount) {
		return account, fmt.Errorf("%w: %s balance %s, change %s", apperrors.ErrAmountOutOfRange, d.Currency, account.Balance, d.Amount)
	}

	return repo.SetBalance(ctx, account.ID, balance)
}

// mergeDeltas sums deltas of the same balance and sorts them in lock order
func mergeDeltas(deltas []Delta) ([]Delta, error) {
	if len(deltas) == 0 {
		return nil, fmt.Errorf("%w: no balance changes", apperrors.ErrValidation)
	}

	byKey := make(map[string]Delta, len(deltas))
	for _, d := range deltas {
		if !d.Currency.Valid() {
			return nil, fmt.Errorf("%w: unsupported currency %q", apperrors.ErrValidation, d.Currency)
		}

		if existing, ok := byKey[d.key()]; ok {
			existing.Amount = existing.Amount.Add(d.Amount)
			byKey[d.key()] = existing
			continue
		}
		byKey[d.key()] = d
	}

	merged := make([]Delta, 0, len(byKey))
	for _, d := range byKey {
		merged = append(merged, d)
	}
	slices.SortFunc(merged, func(a, b Delta) int {
		return strings.Compare(a.key(), b.key())
	})

	return merged, nil
}

// Balance returns zero for currencies the user has no account in
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID, currency models.Currency) (decimal.Decimal, error) {
	account, err := l.storage.Account().Get(ctx, userID, currency)

	switch {
	case err == nil:
		return account.Balance, nil
	case errors.Is(err, apperrors.ErrAccountNotFound):
		return decimal.Zero, nil
	default:
		return decimal.Zero, err
	}
}

func (l *Ledger) Balances(ctx context.Context, userID uuid.UUID) (map[models.Currency]decimal.Decimal, error) {
	accounts, err := l.storage.Account().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	balances := make(map[models.Currency]decimal.Decimal, len(accounts))
	for _, a := range accounts {
		balances[a.Currency] = a.Balance
	}

	return balances, nil
}
