package postgres

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/testutil"
)

func createTestUser(t *testing.T, db DBTX) models.User {
	t.Helper()

	r := UserRepo{DB: db}
	user, err := r.CreateUser(t.Context(), "Test User", uuid.NewString()+"@example.com", "hash")
	require.NoError(t, err, "creating user for test should not fail")

	return user
}

func Test_AccountRepo(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	t.Run("Ensure", func(t *testing.T) {
		t.Run("create zero account", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				r := AccountRepo{DB: tx}
				user := createTestUser(t, tx)

				account, err := r.Ensure(t.Context(), user.ID, models.CurrencyUSD)

				require.NoError(t, err)
				require.Equal(t, user.ID, account.UserID)
				require.Equal(t, models.CurrencyUSD, account.Currency)
				require.True(t, account.Balance.IsZero(), "new account balance should be zero")
			})
		})

		t.Run("return existed", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				r := AccountRepo{DB: tx}
				user := createTestUser(t, tx)
				first, err := r.Ensure(t.Context(), user.ID, models.CurrencyTRY)
				require.NoError(t, err)
				_, err = r.SetBalance(t.Context(), first.ID, decimal.NewFromInt(10))
				require.NoError(t, err)

				second, err := r.Ensure(t.Context(), user.ID, models.CurrencyTRY)

				require.NoError(t, err)
				require.Equal(t, first.ID, second.ID, "should not create second account for same currency")
				require.True(t, second.Balance.Equal(decimal.NewFromInt(10)), "balance should be kept")
			})
		})

		t.Run("unknown user fail", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				r := AccountRepo{DB: tx}

				_, err := r.Ensure(t.Context(), uuid.New(), models.CurrencyUSD)

				require.ErrorIs(t, err, apperrors.ErrUserNotFound)
			})
		})
	})

	t.Run("GetForUpdate not found", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{DB: tx}
			user := createTestUser(t, tx)

			_, err := r.GetForUpdate(t.Context(), user.ID, models.CurrencyEUR)

			require.ErrorIs(t, err, apperrors.ErrAccountNotFound)
		})
	})

	t.Run("SetBalance", func(t *testing.T) {
		t.Run("ok", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				r := AccountRepo{DB: tx}
				user := createTestUser(t, tx)
				account, err := r.Ensure(t.Context(), user.ID, models.CurrencyUSD)
				require.NoError(t, err)

				updated, err := r.SetBalance(t.Context(), account.ID, decimal.RequireFromString("100.25"))

				require.NoError(t, err)
				require.Equal(t, "100.25", updated.Balance.StringFixed(2))

				got, err := r.GetForUpdate(t.Context(), user.ID, models.CurrencyUSD)
				require.NoError(t, err)
				require.True(t, got.Balance.Equal(updated.Balance))
			})
		})

		t.Run("negative fail", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				r := AccountRepo{DB: tx}
				user := createTestUser(t, tx)
				account, err := r.Ensure(t.Context(), user.ID, models.CurrencyUSD)
				require.NoError(t, err)

				_, err = r.SetBalance(t.Context(), account.ID, decimal.NewFromInt(-1))

				require.ErrorIs(t, err, apperrors.ErrBalanceInsufficient)
			})
		})

		t.Run("over column precision fail", func(t *testing.T) {
			testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
				r := AccountRepo{DB: tx}
				user := createTestUser(t, tx)
				account, err := r.Ensure(t.Context(), user.ID, models.CurrencyUSD)
				require.NoError(t, err)

				_, err = r.SetBalance(t.Context(), account.ID, models.MaxAmount)

				require.ErrorIs(t, err, apperrors.ErrAmountOutOfRange)
				require.ErrorIs(t, err, apperrors.ErrValidation)
			})
		})
	})

	t.Run("ListByUser ordered by currency", func(t *testing.T) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			r := AccountRepo{DB: tx}
			user := createTestUser(t, tx)
			for _, c := range []models.Currency{models.CurrencyUSD, models.CurrencyEUR, models.CurrencyTRY} {
				_, err := r.Ensure(t.Context(), user.ID, c)
				require.NoError(t, err)
			}

			accounts, err := r.ListByUser(t.Context(), user.ID)

			require.NoError(t, err)
			require.Len(t, accounts, 3)
			require.Equal(t, models.CurrencyEUR, accounts[0].Currency)
			require.Equal(t, models.CurrencyTRY, accounts[1].Currency)
			require.Equal(t, models.CurrencyUSD, accounts[2].Currency)
		})
	})
}
