package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository/postgres"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/ledger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/settlement"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/testutil"
)

const testTopic = "wallet.transactions"

type published struct {
	topic string
	key   string
	value []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (p *recordingPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return 0, 0, p.err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return 0, 0, err
	}
	p.sent = append(p.sent, published{topic: topic, key: key, value: raw})
	return 0, int64(len(p.sent) - 1), nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestTransaction(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	dec := decimal.RequireFromString

	newService := func(storage repository.Storage, p publisher) *TransactionService {
		return NewService(storage, ledger.New(storage, logger.NewNoOpLogger()), p, testTopic, logger.NewNoOpLogger())
	}

	createUser := func(t *testing.T, storage repository.Storage) models.User {
		user, err := storage.User().CreateUser(t.Context(), "Test User", uuid.NewString()+"@example.com", "hash")
		require.NoError(t, err)
		return user
	}

	// Helper to run service on storage bound to rolled back transaction
	inTx := func(t *testing.T, fn func(s *TransactionService, p *recordingPublisher, storage repository.Storage, user models.User)) {
		testutil.WithTx(pg.Pool, t, func(tx pgx.Tx) {
			storage := postgres.NewStorage(tx)
			p := &recordingPublisher{}
			fn(newService(storage, p), p, storage, createUser(t, storage))
		})
	}

	t.Run("SubmitDeposit", func(t *testing.T) {
		t.Run("pending and published", func(t *testing.T) {
			inTx(t, func(s *TransactionService, p *recordingPublisher, _ repository.Storage, user models.User) {
				txn, err := s.SubmitDeposit(t.Context(), DepositRequest{
					UserID:         user.ID,
					Currency:       "usd",
					Amount:         dec("100"),
					Description:    "salary",
					IdempotencyKey: "dep-1",
				})

				require.NoError(t, err)
				require.Equal(t, models.StatusPending, txn.Status)
				require.Equal(t, models.TransactionDeposit, txn.Type)
				require.Equal(t, models.CurrencyUSD, txn.Currency)
				require.True(t, strings.HasPrefix(txn.ExternalReference, "TXN-"))
				require.NotZero(t, txn.CreatedAt)

				require.Equal(t, 1, p.count())
				require.Equal(t, testTopic, p.sent[0].topic)
				require.Equal(t, user.ID.String(), p.sent[0].key, "command should be keyed by owner")

				cmd, err := settlement.ParseCommand(p.sent[0].value)
				require.NoError(t, err)
				require.Equal(t, txn.ID, cmd.TransactionID)
				require.True(t, cmd.Amount.Equal(dec("100")))
			})
		})

		t.Run("same key returns stored without publish", func(t *testing.T) {
			inTx(t, func(s *TransactionService, p *recordingPublisher, storage repository.Storage, user models.User) {
				first, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("100"), IdempotencyKey: "same"})
				require.NoError(t, err)

				second, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("999"), IdempotencyKey: "same"})

				require.NoError(t, err)
				require.Equal(t, first.ID, second.ID)
				require.True(t, second.Amount.Equal(dec("100")), "stored amount should be returned")
				require.Equal(t, 1, p.count(), "duplicate submission should not publish")

				list, err := storage.Transaction().ListByUser(t.Context(), user.ID, 10)
				require.NoError(t, err)
				require.Len(t, list, 1)
			})
		})

		t.Run("without key each call is new", func(t *testing.T) {
			inTx(t, func(s *TransactionService, p *recordingPublisher, _ repository.Storage, user models.User) {
				first, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("1")})
				require.NoError(t, err)
				second, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("1")})
				require.NoError(t, err)

				require.NotEqual(t, first.ID, second.ID)
				require.Nil(t, first.IdempotencyKey)
				require.Equal(t, 2, p.count())
			})
		})

		t.Run("invalid request fail without side effects", func(t *testing.T) {
			tests := []struct {
				name string
				req  DepositRequest
			}{
				{"zero amount", DepositRequest{Currency: "USD", Amount: dec("0")}},
				{"negative amount", DepositRequest{Currency: "USD", Amount: dec("-10")}},
				{"too precise amount", DepositRequest{Currency: "USD", Amount: dec("1.001")}},
				{"amount over limit", DepositRequest{Currency: "USD", Amount: dec("100000000000000")}},
				{"missing currency", DepositRequest{Amount: dec("10")}},
				{"unknown currency", DepositRequest{Currency: "BTC", Amount: dec("10")}},
				{"long idempotency key", DepositRequest{Currency: "USD", Amount: dec("10"), IdempotencyKey: strings.Repeat("k", 101)}},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					inTx(t, func(s *TransactionService, p *recordingPublisher, storage repository.Storage, user models.User) {
						tt.req.UserID = user.ID

						_, err := s.SubmitDeposit(t.Context(), tt.req)

						require.ErrorIs(t, err, apperrors.ErrValidation)
						require.Zero(t, p.count())
						list, err := storage.Transaction().ListByUser(t.Context(), user.ID, 10)
						require.NoError(t, err)
						require.Empty(t, list)
					})
				})
			}
		})

		t.Run("unknown user fail", func(t *testing.T) {
			inTx(t, func(s *TransactionService, p *recordingPublisher, _ repository.Storage, _ models.User) {
				_, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: uuid.New(), Currency: "USD", Amount: dec("10")})

				require.ErrorIs(t, err, apperrors.ErrUserNotFound)
				require.Zero(t, p.count())
			})
		})

		t.Run("publish failure leaves no row", func(t *testing.T) {
			inTx(t, func(s *TransactionService, p *recordingPublisher, storage repository.Storage, user models.User) {
				p.err = errors.New("broker unavailable")

				_, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("10"), IdempotencyKey: "lost"})

				require.ErrorContains(t, err, "broker unavailable")
				_, err = storage.Transaction().GetByIdempotencyKey(t.Context(), "lost")
				require.ErrorIs(t, err, apperrors.ErrTransactionNotFound, "insert should be rolled back")

				// Same key may be used again once broker is back
				p.err = nil
				txn, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("10"), IdempotencyKey: "lost"})
				require.NoError(t, err)
				require.Equal(t, models.StatusPending, txn.Status)
				require.Equal(t, 1, p.count())
			})
		})
	})

	t.Run("SubmitWithdrawal", func(t *testing.T) {
		inTx(t, func(s *TransactionService, p *recordingPublisher, _ repository.Storage, user models.User) {
			// Balance is checked by settlement, not on submit
			txn, err := s.SubmitWithdrawal(t.Context(), WithdrawalRequest{UserID: user.ID, Currency: "EUR", Amount: dec("150")})

			require.NoError(t, err)
			require.Equal(t, models.TransactionWithdrawal, txn.Type)
			require.Equal(t, models.StatusPending, txn.Status)
			require.Equal(t, 1, p.count())
		})
	})

	t.Run("SubmitExchange", func(t *testing.T) {
		t.Run("carries target currency", func(t *testing.T) {
			inTx(t, func(s *TransactionService, p *recordingPublisher, _ repository.Storage, user models.User) {
				txn, err := s.SubmitExchange(t.Context(), ExchangeRequest{UserID: user.ID, FromCurrency: "USD", ToCurrency: "TRY", Amount: dec("100")})

				require.NoError(t, err)
				require.Equal(t, models.TransactionExchange, txn.Type)
				require.NotNil(t, txn.ToCurrency)
				require.Equal(t, models.CurrencyTRY, *txn.ToCurrency)
				require.Equal(t, "Exchange USD to TRY: 100", txn.Description)

				cmd, err := settlement.ParseCommand(p.sent[0].value)
				require.NoError(t, err)
				require.Equal(t, models.CurrencyTRY, *cmd.ToCurrency)
			})
		})

		t.Run("same currency fail", func(t *testing.T) {
			inTx(t, func(s *TransactionService, p *recordingPublisher, _ repository.Storage, user models.User) {
				_, err := s.SubmitExchange(t.Context(), ExchangeRequest{UserID: user.ID, FromCurrency: "USD", ToCurrency: "usd", Amount: dec("100")})

				require.ErrorIs(t, err, apperrors.ErrValidation)
				require.Zero(t, p.count())
			})
		})

		t.Run("unknown target fail", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, _ repository.Storage, user models.User) {
				_, err := s.SubmitExchange(t.Context(), ExchangeRequest{UserID: user.ID, FromCurrency: "USD", ToCurrency: "XYZ", Amount: dec("100")})

				require.ErrorIs(t, err, apperrors.ErrValidation)
			})
		})
	})

	t.Run("concurrent same key one row one publish", func(t *testing.T) {
		storage := postgres.NewStorage(pg.Pool)
		p := &recordingPublisher{}
		s := newService(storage, p)
		user := createUser(t, storage)
		key := "concurrent-" + uuid.NewString()

		const callers = 10
		results := make([]models.Transaction, callers)
		errs := make([]error, callers)

		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("10"), IdempotencyKey: key})
			}()
		}
		wg.Wait()

		for i := range callers {
			require.NoError(t, errs[i])
			require.Equal(t, results[0].ID, results[i].ID, "all callers should get the same transaction")
		}
		require.Equal(t, 1, p.count(), "command should be published once")

		list, err := storage.Transaction().ListByUser(t.Context(), user.ID, 100)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("Queries", func(t *testing.T) {
		t.Run("balances of new user empty", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, _ repository.Storage, user models.User) {
				balances, err := s.Balances(t.Context(), user.ID)

				require.NoError(t, err)
				require.Empty(t, balances)
			})
		})

		t.Run("balances after settlement", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, storage repository.Storage, user models.User) {
				_, err := ledger.New(storage, logger.NewNoOpLogger()).ApplyDelta(t.Context(), user.ID, models.CurrencyUSD, dec("42.50"))
				require.NoError(t, err)

				balances, err := s.Balances(t.Context(), user.ID)

				require.NoError(t, err)
				require.True(t, balances[models.CurrencyUSD].Equal(dec("42.5")))
			})
		})

		t.Run("unknown user not found", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, _ repository.Storage, _ models.User) {
				_, err := s.Balances(t.Context(), uuid.New())
				require.ErrorIs(t, err, apperrors.ErrUserNotFound)

				_, err = s.Status(t.Context(), uuid.New())
				require.ErrorIs(t, err, apperrors.ErrUserNotFound)

				_, err = s.History(t.Context(), uuid.New(), 10)
				require.ErrorIs(t, err, apperrors.ErrUserNotFound)
			})
		})

		t.Run("status of last transaction", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, storage repository.Storage, user models.User) {
				_, err := s.Status(t.Context(), user.ID)
				require.ErrorIs(t, err, apperrors.ErrTransactionNotFound)

				txn, err := s.SubmitWithdrawal(t.Context(), WithdrawalRequest{UserID: user.ID, Currency: "USD", Amount: dec("150")})
				require.NoError(t, err)
				msg := "Insufficient balance for withdrawal"
				_, err = storage.Transaction().UpdateStatus(t.Context(), txn.ID, models.StatusFailed, &msg)
				require.NoError(t, err)

				report, err := s.Status(t.Context(), user.ID)

				require.NoError(t, err)
				require.Equal(t, txn.ID, report.TransactionID)
				require.Equal(t, models.StatusFailed, report.Status)
				require.Equal(t, models.TransactionWithdrawal, report.Type)
				require.Equal(t, &msg, report.ErrorMessage)
				require.NotZero(t, report.UpdatedAt)
			})
		})

		t.Run("history newest first and limited", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, _ repository.Storage, user models.User) {
				for range 3 {
					_, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("1")})
					require.NoError(t, err)
				}

				all, err := s.History(t.Context(), user.ID, 0)
				require.NoError(t, err)
				require.Len(t, all, 3)
				require.False(t, all[0].CreatedAt.Before(all[2].CreatedAt))

				two, err := s.History(t.Context(), user.ID, 2)
				require.NoError(t, err)
				require.Len(t, two, 2)
			})
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		t.Run("pending cancelled", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, _ repository.Storage, user models.User) {
				txn, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("10")})
				require.NoError(t, err)

				cancelled, err := s.Cancel(t.Context(), txn.ID)

				require.NoError(t, err)
				require.Equal(t, models.StatusCancelled, cancelled.Status)

				got, err := s.Get(t.Context(), txn.ID)
				require.NoError(t, err)
				require.Equal(t, models.StatusCancelled, got.Status)
			})
		})

		t.Run("processing can't be cancelled", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, storage repository.Storage, user models.User) {
				txn, err := s.SubmitDeposit(t.Context(), DepositRequest{UserID: user.ID, Currency: "USD", Amount: dec("10")})
				require.NoError(t, err)
				_, err = storage.Transaction().UpdateStatus(t.Context(), txn.ID, models.StatusProcessing, nil)
				require.NoError(t, err)

				_, err = s.Cancel(t.Context(), txn.ID)

				require.ErrorIs(t, err, apperrors.ErrInvalidStatusTransition)
			})
		})

		t.Run("unknown transaction", func(t *testing.T) {
			inTx(t, func(s *TransactionService, _ *recordingPublisher, _ repository.Storage, _ models.User) {
				_, err := s.Cancel(t.Context(), uuid.New())

				require.ErrorIs(t, err, apperrors.ErrTransactionNotFound)
			})
		})
	})
}
