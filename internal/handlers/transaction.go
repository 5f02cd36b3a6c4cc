package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/handlers/middleware"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/handlers/render"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/service/transaction"
)

const IdempotencyKeyHeader = middleware.IdempotencyKeyHeader

type transactionResponse struct {
	ID                uuid.UUID        `json:"id"`
	UserID            uuid.UUID        `json:"user_id"`
	Type              string           `json:"type"`
	Status            string           `json:"status"`
	Currency          string           `json:"currency"`
	ToCurrency        *models.Currency `json:"to_currency,omitempty"`
	Amount            decimal.Decimal  `json:"amount"`
	ExternalReference string           `json:"external_reference"`
	Description       string           `json:"description,omitempty"`
	IdempotencyKey    *string          `json:"idempotency_key,omitempty"`
	ErrorMessage      *string          `json:"error_message,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	ProcessedAt       *time.Time       `json:"processed_at,omitempty"`
}

func newTransactionResponse(t models.Transaction) transactionResponse {
	return transactionResponse{
		ID:                t.ID,
		UserID:            t.UserID,
		Type:              string(t.Type),
		Status:            string(t.Status),
		Currency:          string(t.Currency),
		ToCurrency:        t.ToCurrency,
		Amount:            t.Amount,
		ExternalReference: t.ExternalReference,
		Description:       t.Description,
		IdempotencyKey:    t.IdempotencyKey,
		ErrorMessage:      t.ErrorMessage,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		ProcessedAt:       t.ProcessedAt,
	}
}

// Deposit and withdrawal share the request body
type moneyRequest struct {
	UserID      uuid.UUID       `json:"user_id" validate:"required"`
	Currency    string          `json:"currency" validate:"required,currency"`
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0"`
	Description string          `json:"description" validate:"max=255"`
}

func handleDeposit(transactionService transactionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[moneyRequest](w, r)
		if err != nil {
			return
		}

		txn, err := transactionService.SubmitDeposit(r.Context(), transaction.DepositRequest{
			UserID:         req.UserID,
			Currency:       req.Currency,
			Amount:         req.Amount,
			Description:    req.Description,
			IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		})
		if err != nil {
			renderError(w, err, l, "Failed to submit deposit")
			return
		}

		render.JSONWithStatus(w, newTransactionResponse(txn), http.StatusAccepted)
	})
}

func handleWithdraw(transactionService transactionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[moneyRequest](w, r)
		if err != nil {
			return
		}

		txn, err := transactionService.SubmitWithdrawal(r.Context(), transaction.WithdrawalRequest{
			UserID:         req.UserID,
			Currency:       req.Currency,
			Amount:         req.Amount,
			Description:    req.Description,
			IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		})
		if err != nil {
			renderError(w, err, l, "Failed to submit withdrawal")
			return
		}

		render.JSONWithStatus(w, newTransactionResponse(txn), http.StatusAccepted)
	})
}

func handleExchange(transactionService transactionService, l logger.Logger) http.Handler {
	type request struct {
		UserID       uuid.UUID       `json:"user_id" validate:"required"`
		FromCurrency string          `json:"from_currency" validate:"required,currency"`
		ToCurrency   string          `json:"to_currency" validate:"required,currency,nefield=FromCurrency"`
		Amount       decimal.Decimal `json:"amount" validate:"required,gt=0"`
		Description  string          `json:"description" validate:"max=255"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		txn, err := transactionService.SubmitExchange(r.Context(), transaction.ExchangeRequest{
			UserID:         req.UserID,
			FromCurrency:   req.FromCurrency,
			ToCurrency:     req.ToCurrency,
			Amount:         req.Amount,
			Description:    req.Description,
			IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		})
		if err != nil {
			renderError(w, err, l, "Failed to submit exchange")
			return
		}

		render.JSONWithStatus(w, newTransactionResponse(txn), http.StatusAccepted)
	})
}

func handleBalance(transactionService transactionService, l logger.Logger) http.Handler {
	type response struct {
		UserID   uuid.UUID                           `json:"user_id"`
		Balances map[models.Currency]decimal.Decimal `json:"balances"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUUID(w, r, "userID")
		if !ok {
			return
		}

		balances, err := transactionService.Balances(r.Context(), userID)
		if err != nil {
			renderError(w, err, l, "Failed to get balances")
			return
		}

		render.JSON(w, response{UserID: userID, Balances: balances})
	})
}

func handleStatus(transactionService transactionService, l logger.Logger) http.Handler {
	type response struct {
		TransactionID uuid.UUID `json:"transaction_id"`
		Type          string    `json:"type"`
		Status        string    `json:"status"`
		ErrorMessage  *string   `json:"error_message,omitempty"`
		UpdatedAt     time.Time `json:"updated_at"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUUID(w, r, "userID")
		if !ok {
			return
		}

		report, err := transactionService.Status(r.Context(), userID)
		if err != nil {
			renderError(w, err, l, "Failed to get transaction status")
			return
		}

		render.JSON(w, response{
			TransactionID: report.TransactionID,
			Type:          string(report.Type),
			Status:        string(report.Status),
			ErrorMessage:  report.ErrorMessage,
			UpdatedAt:     report.UpdatedAt,
		})
	})
}

func handleHistory(transactionService transactionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathUUID(w, r, "userID")
		if !ok {
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				render.ServiceError(w, "Invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		transactions, err := transactionService.History(r.Context(), userID, limit)
		if err != nil {
			renderError(w, err, l, "Failed to get transaction history")
			return
		}

		res := make([]transactionResponse, 0, len(transactions))
		for _, t := range transactions {
			res = append(res, newTransactionResponse(t))
		}
		render.JSON(w, res)
	})
}

func handleCancel(transactionService transactionService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		txn, err := transactionService.Cancel(r.Context(), id)
		if err != nil {
			renderError(w, err, l, "Failed to cancel transaction")
			return
		}

		render.JSON(w, newTransactionResponse(txn))
	})
}
