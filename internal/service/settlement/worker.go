// Package settlement moves submitted transactions to a terminal status and applies their balance effect.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/broker"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/fxrate"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/ledger"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultSettleTimeout  = 30 * time.Second
	defaultMissingWait    = 15 * time.Second
)

// Failure messages stored on FAILED transactions
const (
	MsgInsufficientWithdrawal = "Insufficient balance for withdrawal"
	MsgInsufficientExchange   = "Insufficient balance for exchange"
	MsgExchangeTooSmall       = "Exchanged amount rounds to zero"
	MsgCommandMismatch        = "Settlement command does not match transaction"
	MsgBalanceLimit           = "Balance limit exceeded"
	msgRetriesExhausted       = "settlement retries exhausted: "
)

// Outcomes reported to metrics
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
	OutcomeDropped      = "dropped"
	OutcomeDeadLettered = "dead_lettered"
)

type rateResolver interface {
	Quote(ctx context.Context, from, to models.Currency) fxrate.Quote
}

type balanceLedger interface {
	Balance(ctx context.Context, userID uuid.UUID, currency models.Currency) (decimal.Decimal, error)
	Apply(ctx context.Context, deltas []ledger.Delta, within func(repository.Storage) error) ([]models.Account, error)
}

type Config struct {
	// Attempts per command including the first one
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	SettleTimeout   time.Duration
	DeadLetterTopic string

	// How long a command waits for its transaction row to become visible before it is dropped.
	// Commands are published before the submitting database transaction commits.
	MissingWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = defaultSettleTimeout
	}
	if c.MissingWait <= 0 {
		c.MissingWait = defaultMissingWait
	}
	return c
}

// Worker handles settlement commands; it implements broker.Handler
type Worker struct {
	storage repository.Storage
	ledger  balanceLedger
	rates   rateResolver
	dlq     broker.Publisher
	cfg     Config
	metrics *Metrics
	logger  logger.Logger
}

// NewWorker creates worker; dlq may be nil, then dead letters are only logged
func NewWorker(storage repository.Storage, l balanceLedger, rates rateResolver, dlq broker.Publisher, cfg Config, metrics *Metrics, log logger.Logger) *Worker {
	return &Worker{
		storage: storage,
		ledger:  l,
		rates:   rates,
		dlq:     dlq,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  log.With("component", "settlement-worker"),
	}
}

// HandleMessage settles one command.
// It never returns error: every message ends either in a terminal transaction status,
// a skip or the dead-letter topic, so the broker may acknowledge it.
func (w *Worker) HandleMessage(ctx context.Context, msg broker.Message) error {
	start := time.Now()

	// Settlement already started must not be interrupted by consumer shutdown
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.SettleTimeout)
	defer cancel()

	cmd, err := ParseCommand(msg.Value)
	if err != nil {
		w.logger.Error("Malformed settlement command", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		w.deadLetter(ctx, msg, err, "malformed", 1)
		w.metrics.ObserveSettlement("unknown", OutcomeDeadLettered, time.Since(start))
		return nil
	}

	log := w.logger.With("transaction_id", cmd.TransactionID, "type", cmd.Type)

	if err := w.awaitTransaction(ctx, cmd.TransactionID); err != nil {
		log.Error("Settlement command for unknown transaction, dropping", "waited", w.cfg.MissingWait, "error", err)
		w.metrics.ObserveSettlement(string(cmd.Type), OutcomeDropped, time.Since(start))
		return nil
	}

	outcome, attempts, err := w.settleWithRetry(ctx, cmd)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		log.Error("Settlement command for unknown transaction, dropping", "attempts", attempts)
		outcome = OutcomeDropped
	case isTerminal(err):
		log.Warn("Settlement failed", "error", err)
		outcome, err = w.fail(ctx, cmd.TransactionID, err.Error())
		if err != nil {
			log.Error("Failed to mark transaction failed", "error", err)
		}
	default:
		log.Error("Settlement retries exhausted", "attempts", attempts, "error", err)
		w.deadLetter(ctx, msg, err, "retries_exhausted", attempts)
		if _, failErr := w.fail(ctx, cmd.TransactionID, msgRetriesExhausted+err.Error()); failErr != nil {
			log.Error("Failed to mark transaction failed", "error", failErr)
		}
		outcome = OutcomeDeadLettered
	}

	log.Info("Settlement finished", "outcome", outcome, "attempts", attempts, "duration", time.Since(start))
	w.metrics.ObserveSettlement(string(cmd.Type), outcome, time.Since(start))
	return nil
}

// awaitTransaction polls until the transaction row is visible or MissingWait elapses.
// Only a row that stays missing is an error; other read failures are left to settlement retries.
func (w *Worker) awaitTransaction(ctx context.Context, id uuid.UUID) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialBackoff
	eb.MaxInterval = w.cfg.MaxBackoff
	eb.MaxElapsedTime = w.cfg.MissingWait

	op := func() error {
		_, err := w.storage.Transaction().GetByID(ctx, id)
		if errors.Is(err, apperrors.ErrTransactionNotFound) {
			return err
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(eb, ctx))
}

func (w *Worker) settleWithRetry(ctx context.Context, cmd ParsedCommand) (string, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.InitialBackoff
	eb.MaxInterval = w.cfg.MaxBackoff
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.cfg.MaxAttempts-1)), ctx)

	var (
		outcome  string
		attempts int
	)

	op := func() error {
		attempts++
		o, err := w.settle(ctx, cmd)
		if err != nil && isTerminal(err) {
			return backoff.Permanent(err)
		}
		outcome = o
		return err
	}

	notify := func(err error, next time.Duration) {
		w.metrics.IncRetry()
		w.logger.Warn("Settlement attempt failed, retrying", "transaction_id", cmd.TransactionID, "attempt", attempts, "retry_in", next, "error", err)
	}

	err := backoff.RetryNotify(op, b, notify)
	return outcome, attempts, err
}

// settle makes one attempt. Returned error is either terminal (see isTerminal) or transient.
func (w *Worker) settle(ctx context.Context, cmd ParsedCommand) (string, error) {
	txn, err := w.storage.Transaction().UpdateStatus(ctx, cmd.TransactionID, models.StatusProcessing, nil)

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		// Command may outrun the commit of its transaction, so it is retried before being dropped
		return "", err
	case errors.Is(err, apperrors.ErrInvalidStatusTransition):
		w.logger.Info("Transaction already finalized, skipping", "transaction_id", cmd.TransactionID, "status", txn.Status)
		return OutcomeSkipped, nil
	default:
		return "", err
	}

	if !matches(cmd, txn) {
		return w.fail(ctx, txn.ID, MsgCommandMismatch)
	}

	var (
		deltas       []ledger.Delta
		insufficient string
	)

	switch txn.Type {
	case models.TransactionDeposit:
		deltas = []ledger.Delta{{UserID: txn.UserID, Currency: txn.Currency, Amount: txn.Amount}}

	case models.TransactionWithdrawal:
		deltas = []ledger.Delta{{UserID: txn.UserID, Currency: txn.Currency, Amount: txn.Amount.Neg()}}
		insufficient = MsgInsufficientWithdrawal

	case models.TransactionExchange:
		insufficient = MsgInsufficientExchange

		balance, err := w.ledger.Balance(ctx, txn.UserID, txn.Currency)
		if err != nil {
			return "", err
		}
		if balance.LessThan(txn.Amount) {
			return w.fail(ctx, txn.ID, insufficient)
		}

		to := *txn.ToCurrency
		quote := w.rates.Quote(ctx, txn.Currency, to)
		target := txn.Amount.Mul(quote.Rate).Round(to.Scale())
		if !target.IsPositive() {
			return w.fail(ctx, txn.ID, MsgExchangeTooSmall)
		}

		w.logger.Debug("Exchange rate resolved", "transaction_id", txn.ID, "rate", quote.Rate, "source", quote.Source, "target_amount", target)

		deltas = []ledger.Delta{
			{UserID: txn.UserID, Currency: txn.Currency, Amount: txn.Amount.Neg()},
			{UserID: txn.UserID, Currency: to, Amount: target},
		}

	default:
		return "", fmt.Errorf("%w: unknown transaction type %q", apperrors.ErrValidation, txn.Type)
	}

	_, err = w.ledger.Apply(ctx, deltas, func(tx repository.Storage) error {
		_, err := tx.Transaction().UpdateStatus(ctx, txn.ID, models.StatusCompleted, nil)
		return err
	})

	switch {
	case err == nil:
		return OutcomeCompleted, nil
	case errors.Is(err, apperrors.ErrBalanceInsufficient) && insufficient != "":
		return w.fail(ctx, txn.ID, insufficient)
	case errors.Is(err, apperrors.ErrAmountOutOfRange):
		return w.fail(ctx, txn.ID, MsgBalanceLimit)
	case errors.Is(err, apperrors.ErrInvalidStatusTransition):
		// Concurrent delivery of the same command completed it first
		w.logger.Info("Transaction finalized concurrently, skipping", "transaction_id", txn.ID)
		return OutcomeSkipped, nil
	default:
		return "", err
	}
}

// fail moves transaction to FAILED; transaction finalized meanwhile is left as is
func (w *Worker) fail(ctx context.Context, id uuid.UUID, reason string) (string, error) {
	_, err := w.storage.Transaction().UpdateStatus(ctx, id, models.StatusFailed, &reason)

	switch {
	case err == nil:
		w.logger.Info("Transaction failed", "transaction_id", id, "reason", reason)
		return OutcomeFailed, nil
	case errors.Is(err, apperrors.ErrInvalidStatusTransition), errors.Is(err, apperrors.ErrTransactionNotFound):
		w.logger.Info("Transaction already finalized, failure not recorded", "transaction_id", id, "reason", reason)
		return OutcomeSkipped, nil
	default:
		return OutcomeFailed, fmt.Errorf("mark transaction failed: %w", err)
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg broker.Message, cause error, reason string, attempts int) {
	w.metrics.IncDeadLetter(reason)

	if w.dlq == nil || w.cfg.DeadLetterTopic == "" {
		w.logger.Warn("Dead-letter topic not configured, message dropped", "topic", msg.Topic, "offset", msg.Offset, "error", cause)
		return
	}

	dl := broker.NewDeadLetter(msg, cause, reason, attempts)
	if _, _, err := w.dlq.PublishJSON(ctx, w.cfg.DeadLetterTopic, string(msg.Key), dl); err != nil {
		w.logger.Error("Dead-letter publish failed", "topic", w.cfg.DeadLetterTopic, "error", err)
	}
}

// matches reports whether the command describes the stored transaction
func matches(cmd ParsedCommand, txn models.Transaction) bool {
	if cmd.OwnerID != txn.UserID || cmd.Type != txn.Type || cmd.Currency != txn.Currency || !cmd.Amount.Equal(txn.Amount) {
		return false
	}
	if (cmd.ToCurrency == nil) != (txn.ToCurrency == nil) {
		return false
	}
	return cmd.ToCurrency == nil || *cmd.ToCurrency == *txn.ToCurrency
}

// Errors that no retry can fix
func isTerminal(err error) bool {
	return errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrUserNotFound) ||
		errors.Is(err, apperrors.ErrAccountNotFound)
}
