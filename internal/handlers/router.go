package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/handlers/middleware"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/transaction"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

// NewRouter builds the API handler
// Registry is used both to expose /metrics and to register HTTP metrics; it may be nil
func NewRouter(
	userService userService,
	transactionService transactionService,
	health healthChecker,
	registry *prometheus.Registry,
	logger logger.Logger,
) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/users", handleCreateUser(userService, logger))
	mux.Handle("GET /api/users/{id}", handleGetUser(userService, logger))
	mux.Handle("GET /api/users/email/{email}", handleGetUserByEmail(userService, logger))

	mux.Handle("POST /api/transactions/deposit", handleDeposit(transactionService, logger))
	mux.Handle("POST /api/transactions/withdraw", handleWithdraw(transactionService, logger))
	mux.Handle("POST /api/transactions/exchange", handleExchange(transactionService, logger))
	mux.Handle("GET /api/transactions/balance/{userID}", handleBalance(transactionService, logger))
	mux.Handle("GET /api/transactions/status/{userID}", handleStatus(transactionService, logger))
	mux.Handle("GET /api/transactions/history/{userID}", handleHistory(transactionService, logger))
	mux.Handle("POST /api/transactions/{id}/cancel", handleCancel(transactionService, logger))

	mux.Handle("GET /healthz", handleHealth(health, logger))

	mds := []func(http.Handler) http.Handler{
		middleware.LoggerMiddleware(logger),
	}

	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		mds = append(mds, middleware.MetricsMiddleware(middleware.NewHTTPMetrics(registry)))
	}

	return chain(mux, mds...)
}

type userService interface {
	// Has to return apperrors.ErrValidation on invalid input and apperrors.ErrUserAlreadyExists on taken email
	CreateUser(ctx context.Context, name string, email string, password string) (models.User, error)

	// Has to return apperrors.ErrUserNotFound if user not exists
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
}

type transactionService interface {
	SubmitDeposit(ctx context.Context, req transaction.DepositRequest) (models.Transaction, error)
	SubmitWithdrawal(ctx context.Context, req transaction.WithdrawalRequest) (models.Transaction, error)
	SubmitExchange(ctx context.Context, req transaction.ExchangeRequest) (models.Transaction, error)

	Balances(ctx context.Context, userID uuid.UUID) (map[models.Currency]decimal.Decimal, error)
	Status(ctx context.Context, userID uuid.UUID) (transaction.StatusReport, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error)

	// Has to return apperrors.ErrInvalidStatusTransition if transaction is not PENDING
	Cancel(ctx context.Context, id uuid.UUID) (models.Transaction, error)
}

type healthChecker interface {
	Ping(ctx context.Context) error
}
