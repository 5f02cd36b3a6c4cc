package settlement

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/apperrors"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/broker"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

const (
	CommandEventType    = "wallet.transaction.submitted"
	CommandEventVersion = 1
)

// Command is the message published for every new transaction
// The target currency of an exchange travels as its own field
type Command struct {
	broker.Envelope
	TransactionID     string `json:"transaction_id"`
	OwnerID           string `json:"owner_id"`
	Type              string `json:"type"`
	Currency          string `json:"currency"`
	ToCurrency        string `json:"to_currency,omitempty"`
	Amount            string `json:"amount"`
	Description       string `json:"description,omitempty"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
}

func NewCommand(t models.Transaction) (Command, error) {
	env, err := broker.NewEnvelope(broker.DeterministicEventID(CommandEventType, t.ID.String()), CommandEventType, CommandEventVersion)
	if err != nil {
		return Command{}, err
	}

	cmd := Command{
		Envelope:          env,
		TransactionID:     t.ID.String(),
		OwnerID:           t.UserID.String(),
		Type:              string(t.Type),
		Currency:          string(t.Currency),
		Amount:            t.Amount.String(),
		Description:       t.Description,
		ExternalReference: t.ExternalReference,
	}
	if t.ToCurrency != nil {
		cmd.ToCurrency = string(*t.ToCurrency)
	}
	if t.IdempotencyKey != nil {
		cmd.IdempotencyKey = *t.IdempotencyKey
	}

	return cmd, nil
}

// Key is the partition key; commands of one owner are settled in order
func (c Command) Key() string {
	return c.OwnerID
}

// ParsedCommand is a Command whose fields passed validation
type ParsedCommand struct {
	EventID       string
	TransactionID uuid.UUID
	OwnerID       uuid.UUID
	Type          models.TransactionType
	Currency      models.Currency
	ToCurrency    *models.Currency
	Amount        decimal.Decimal
}

func ParseCommand(raw []byte) (ParsedCommand, error) {
	var (
		cmd    Command
		parsed ParsedCommand
		err    error
		ok     bool
	)

	if err := json.Unmarshal(raw, &cmd); err != nil {
		return parsed, fmt.Errorf("%w: decode command: %v", apperrors.ErrValidation, err)
	}
	if err := cmd.Envelope.Validate(); err != nil {
		return parsed, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if cmd.EventType != CommandEventType {
		return parsed, fmt.Errorf("%w: unexpected event type %q", apperrors.ErrValidation, cmd.EventType)
	}
	parsed.EventID = cmd.EventID

	if parsed.TransactionID, err = uuid.Parse(cmd.TransactionID); err != nil {
		return parsed, fmt.Errorf("%w: transaction_id: %v", apperrors.ErrValidation, err)
	}
	if parsed.OwnerID, err = uuid.Parse(cmd.OwnerID); err != nil {
		return parsed, fmt.Errorf("%w: owner_id: %v", apperrors.ErrValidation, err)
	}
	if parsed.Type, ok = models.ParseTransactionType(cmd.Type); !ok {
		return parsed, fmt.Errorf("%w: unknown type %q", apperrors.ErrValidation, cmd.Type)
	}
	if parsed.Currency, ok = models.ParseCurrency(cmd.Currency); !ok {
		return parsed, fmt.Errorf("%w: unknown currency %q", apperrors.ErrValidation, cmd.Currency)
	}
	if parsed.Amount, err = decimal.NewFromString(cmd.Amount); err != nil || !parsed.Amount.IsPositive() {
		return parsed, fmt.Errorf("%w: amount %q must be positive decimal", apperrors.ErrValidation, cmd.Amount)
	}

	switch {
	case parsed.Type == models.TransactionExchange:
		to, ok := models.ParseCurrency(cmd.ToCurrency)
		if !ok {
			return parsed, fmt.Errorf("%w: unknown target currency %q", apperrors.ErrValidation, cmd.ToCurrency)
		}
		if to == parsed.Currency {
			return parsed, fmt.Errorf("%w: exchange to the same currency", apperrors.ErrValidation)
		}
		parsed.ToCurrency = &to
	case cmd.ToCurrency != "":
		return parsed, fmt.Errorf("%w: target currency allowed for exchange only", apperrors.ErrValidation)
	}

	return parsed, nil
}
