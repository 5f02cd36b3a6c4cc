package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/broker"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository/postgres"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/fxrate"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/ledger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/testutil"
)

const testTopic = "wallet.transactions"

type recordingPublisher struct {
	mu      sync.Mutex
	topics  []string
	keys    []string
	values  []any
	letters []broker.DeadLetter
}

func (p *recordingPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	if dl, ok := value.(broker.DeadLetter); ok {
		p.letters = append(p.letters, dl)
	}
	return 0, int64(len(p.topics) - 1), nil
}

func (p *recordingPublisher) Close() error { return nil }

// flakyLedger fails first 'failures' Apply calls with transient error
type flakyLedger struct {
	*ledger.Ledger
	failures int
	calls    int
}

func (f *flakyLedger) Apply(ctx context.Context, deltas []ledger.Delta, within func(repository.Storage) error) ([]models.Account, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.Ledger.Apply(ctx, deltas, within)
}

func TestWorker(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	dec := decimal.RequireFromString
	storage := postgres.NewStorage(pg.Pool)
	l := ledger.New(storage, logger.NewNoOpLogger())
	// No cache and no provider: USD->TRY resolves to fallback 33.25
	rates := fxrate.NewResolver(nil, nil, nil, logger.NewNoOpLogger())

	cfg := Config{
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		DeadLetterTopic: testTopic + ".dlq",
		MissingWait:     20 * time.Millisecond,
	}

	newWorker := func(bl balanceLedger) (*Worker, *recordingPublisher, *Metrics) {
		dlq := &recordingPublisher{}
		m := NewMetrics(prometheus.NewRegistry())
		return NewWorker(storage, bl, rates, dlq, cfg, m, logger.NewNoOpLogger()), dlq, m
	}

	createUser := func(t *testing.T) models.User {
		user, err := storage.User().CreateUser(t.Context(), "Test User", uuid.NewString()+"@example.com", "hash")
		require.NoError(t, err)
		return user
	}

	submit := func(t *testing.T, txn models.Transaction) models.Transaction {
		stored, err := storage.Transaction().Create(t.Context(), txn)
		require.NoError(t, err)
		return stored
	}

	message := func(t *testing.T, txn models.Transaction) broker.Message {
		cmd, err := NewCommand(txn)
		require.NoError(t, err)
		raw, err := json.Marshal(cmd)
		require.NoError(t, err)
		return broker.Message{Topic: testTopic, Key: []byte(cmd.Key()), Value: raw}
	}

	handle := func(t *testing.T, w *Worker, txn models.Transaction) models.Transaction {
		require.NoError(t, w.HandleMessage(t.Context(), message(t, txn)))

		got, err := storage.Transaction().GetByID(t.Context(), txn.ID)
		require.NoError(t, err)
		return got
	}

	balance := func(t *testing.T, user models.User, c models.Currency) decimal.Decimal {
		b, err := l.Balance(t.Context(), user.ID, c)
		require.NoError(t, err)
		return b
	}

	t.Run("deposit completes", func(t *testing.T) {
		w, dlq, m := newWorker(l)
		user := createUser(t)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("100")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusCompleted, got.Status)
		require.NotNil(t, got.ProcessedAt)
		require.Nil(t, got.ErrorMessage)
		require.True(t, balance(t, user, models.CurrencyUSD).Equal(dec("100")))
		require.Empty(t, dlq.topics)
		require.InDelta(t, 1, promtest.ToFloat64(m.SettlementsTotal.WithLabelValues("DEPOSIT", OutcomeCompleted)), 0)
	})

	t.Run("withdrawal over balance fails", func(t *testing.T) {
		w, _, _ := newWorker(l)
		user := createUser(t)
		_, err := l.ApplyDelta(t.Context(), user.ID, models.CurrencyUSD, dec("100"))
		require.NoError(t, err)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionWithdrawal, Currency: models.CurrencyUSD, Amount: dec("150")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		require.Equal(t, MsgInsufficientWithdrawal, *got.ErrorMessage)
		require.True(t, balance(t, user, models.CurrencyUSD).Equal(dec("100")), "balance must not change")
	})

	t.Run("deposit over balance limit fails without retry", func(t *testing.T) {
		w, dlq, m := newWorker(l)
		user := createUser(t)
		_, err := l.ApplyDelta(t.Context(), user.ID, models.CurrencyUSD, dec("99999999999999"))
		require.NoError(t, err)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("10")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		require.Equal(t, MsgBalanceLimit, *got.ErrorMessage)
		require.True(t, balance(t, user, models.CurrencyUSD).Equal(dec("99999999999999")))
		require.Empty(t, dlq.topics, "limit overflow should not be dead lettered")
		require.Zero(t, promtest.ToFloat64(m.Retries))
	})

	t.Run("withdrawal within balance completes", func(t *testing.T) {
		w, _, _ := newWorker(l)
		user := createUser(t)
		_, err := l.ApplyDelta(t.Context(), user.ID, models.CurrencyEUR, dec("100"))
		require.NoError(t, err)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionWithdrawal, Currency: models.CurrencyEUR, Amount: dec("40.25")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusCompleted, got.Status)
		require.True(t, balance(t, user, models.CurrencyEUR).Equal(dec("59.75")))
	})

	t.Run("exchange moves both legs", func(t *testing.T) {
		w, _, _ := newWorker(l)
		user := createUser(t)
		_, err := l.ApplyDelta(t.Context(), user.ID, models.CurrencyUSD, dec("100"))
		require.NoError(t, err)
		try := models.CurrencyTRY
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionExchange, Currency: models.CurrencyUSD, ToCurrency: &try, Amount: dec("100")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusCompleted, got.Status)
		require.True(t, balance(t, user, models.CurrencyUSD).IsZero())
		require.True(t, balance(t, user, models.CurrencyTRY).Equal(dec("3325.00")), "got %s", balance(t, user, models.CurrencyTRY))
	})

	t.Run("exchange over balance fails", func(t *testing.T) {
		w, _, _ := newWorker(l)
		user := createUser(t)
		_, err := l.ApplyDelta(t.Context(), user.ID, models.CurrencyUSD, dec("10"))
		require.NoError(t, err)
		try := models.CurrencyTRY
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionExchange, Currency: models.CurrencyUSD, ToCurrency: &try, Amount: dec("100")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusFailed, got.Status)
		require.Equal(t, MsgInsufficientExchange, *got.ErrorMessage)
		require.True(t, balance(t, user, models.CurrencyUSD).Equal(dec("10")))
		require.True(t, balance(t, user, models.CurrencyTRY).IsZero())
	})

	t.Run("exchange rounding to zero fails", func(t *testing.T) {
		w, _, _ := newWorker(l)
		user := createUser(t)
		_, err := l.ApplyDelta(t.Context(), user.ID, models.CurrencyTRY, dec("1"))
		require.NoError(t, err)
		usd := models.CurrencyUSD
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionExchange, Currency: models.CurrencyTRY, ToCurrency: &usd, Amount: dec("0.01")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusFailed, got.Status)
		require.Equal(t, MsgExchangeTooSmall, *got.ErrorMessage)
		require.True(t, balance(t, user, models.CurrencyTRY).Equal(dec("1")))
	})

	t.Run("cancelled transaction skipped", func(t *testing.T) {
		w, _, m := newWorker(l)
		user := createUser(t)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("100")})
		_, err := storage.Transaction().UpdateStatus(t.Context(), txn.ID, models.StatusCancelled, nil)
		require.NoError(t, err)

		got := handle(t, w, txn)

		require.Equal(t, models.StatusCancelled, got.Status)
		require.True(t, balance(t, user, models.CurrencyUSD).IsZero())
		require.InDelta(t, 1, promtest.ToFloat64(m.SettlementsTotal.WithLabelValues("DEPOSIT", OutcomeSkipped)), 0)
	})

	t.Run("redelivered command applied once", func(t *testing.T) {
		w, _, _ := newWorker(l)
		user := createUser(t)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyGBP, Amount: dec("25")})

		handle(t, w, txn)
		got := handle(t, w, txn)

		require.Equal(t, models.StatusCompleted, got.Status)
		require.True(t, balance(t, user, models.CurrencyGBP).Equal(dec("25")))
	})

	t.Run("command outrunning its commit waits for the row", func(t *testing.T) {
		waiting := cfg
		waiting.MissingWait = 5 * time.Second
		w := NewWorker(storage, l, rates, &recordingPublisher{}, waiting, nil, logger.NewNoOpLogger())
		user := createUser(t)
		txn := models.Transaction{ID: uuid.New(), UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("15")}
		msg := message(t, txn)

		done := make(chan error, 1)
		go func() { done <- w.HandleMessage(t.Context(), msg) }()

		time.Sleep(100 * time.Millisecond)
		submit(t, txn)
		require.NoError(t, <-done)

		got, err := storage.Transaction().GetByID(t.Context(), txn.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, got.Status)
		require.True(t, balance(t, user, models.CurrencyUSD).Equal(dec("15")))
	})

	t.Run("unknown transaction dropped", func(t *testing.T) {
		w, dlq, m := newWorker(l)
		user := createUser(t)
		ghost := models.Transaction{ID: uuid.New(), UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("1")}

		require.NoError(t, w.HandleMessage(t.Context(), message(t, ghost)))

		require.Empty(t, dlq.topics)
		require.InDelta(t, 1, promtest.ToFloat64(m.SettlementsTotal.WithLabelValues("DEPOSIT", OutcomeDropped)), 0)
	})

	t.Run("command not matching transaction fails it", func(t *testing.T) {
		w, _, _ := newWorker(l)
		user := createUser(t)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("10")})

		forged := txn
		forged.Amount = dec("10000")
		require.NoError(t, w.HandleMessage(t.Context(), message(t, forged)))

		got, err := storage.Transaction().GetByID(t.Context(), txn.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, got.Status)
		require.Equal(t, MsgCommandMismatch, *got.ErrorMessage)
		require.True(t, balance(t, user, models.CurrencyUSD).IsZero())
	})

	t.Run("malformed message dead lettered", func(t *testing.T) {
		w, dlq, m := newWorker(l)
		msg := broker.Message{Topic: testTopic, Partition: 2, Offset: 7, Key: []byte("k"), Value: []byte(`{"event_type":"nope"}`)}

		require.NoError(t, w.HandleMessage(t.Context(), msg))

		require.Equal(t, []string{cfg.DeadLetterTopic}, dlq.topics)
		require.Len(t, dlq.letters, 1)
		require.Equal(t, "malformed", dlq.letters[0].Reason)
		require.Equal(t, int64(7), dlq.letters[0].Offset)
		original, err := dlq.letters[0].Original()
		require.NoError(t, err)
		require.Equal(t, msg.Value, original)
		require.InDelta(t, 1, promtest.ToFloat64(m.DeadLetters.WithLabelValues("malformed")), 0)
	})

	t.Run("transient errors retried", func(t *testing.T) {
		flaky := &flakyLedger{Ledger: l, failures: 2}
		w, dlq, m := newWorker(flaky)
		user := createUser(t)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("5")})

		got := handle(t, w, txn)

		require.Equal(t, models.StatusCompleted, got.Status)
		require.Equal(t, 3, flaky.calls)
		require.True(t, balance(t, user, models.CurrencyUSD).Equal(dec("5")))
		require.Empty(t, dlq.topics)
		require.InDelta(t, 2, promtest.ToFloat64(m.Retries), 0)
	})

	t.Run("retries exhausted dead lettered and failed", func(t *testing.T) {
		flaky := &flakyLedger{Ledger: l, failures: 100}
		w, dlq, _ := newWorker(flaky)
		user := createUser(t)
		txn := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("5")})

		got := handle(t, w, txn)

		require.Equal(t, cfg.MaxAttempts, flaky.calls)
		require.Equal(t, models.StatusFailed, got.Status)
		require.True(t, strings.HasPrefix(*got.ErrorMessage, "settlement retries exhausted: "), *got.ErrorMessage)
		require.Len(t, dlq.letters, 1)
		require.Equal(t, "retries_exhausted", dlq.letters[0].Reason)
		require.Equal(t, cfg.MaxAttempts, dlq.letters[0].Attempts)
		require.True(t, balance(t, user, models.CurrencyUSD).IsZero())
	})

	t.Run("settles commands from broker in order", func(t *testing.T) {
		w, _, _ := newWorker(l)
		mem := broker.NewMemory(4, logger.NewNoOpLogger(), nil)
		user := createUser(t)

		deposit := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionDeposit, Currency: models.CurrencyUSD, Amount: dec("100")})
		withdrawal := submit(t, models.Transaction{UserID: user.ID, Type: models.TransactionWithdrawal, Currency: models.CurrencyUSD, Amount: dec("60")})

		for _, txn := range []models.Transaction{deposit, withdrawal} {
			cmd, err := NewCommand(txn)
			require.NoError(t, err)
			_, _, err = mem.PublishJSON(t.Context(), testTopic, cmd.Key(), cmd)
			require.NoError(t, err)
		}

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- mem.Consume(ctx, []string{testTopic}, w) }()

		require.Eventually(t, func() bool {
			got, err := storage.Transaction().GetByID(t.Context(), withdrawal.ID)
			return err == nil && got.Status.IsTerminal()
		}, 10*time.Second, 20*time.Millisecond)

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)

		got, err := storage.Transaction().GetByID(t.Context(), withdrawal.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCompleted, got.Status, "withdrawal should be settled after deposit")
		require.True(t, balance(t, user, models.CurrencyUSD).Equal(dec("40")))
	})
}
