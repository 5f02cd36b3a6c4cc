package validate

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

const MaxIdempotencyKeyLength = 100

// Currency parses supported currency code
func Currency(code string) (models.Currency, error) {
	if code == "" {
		return "", errors.New("currency is required")
	}

	c, ok := models.ParseCurrency(code)
	if !ok {
		return "", fmt.Errorf("currency %q is not supported", code)
	}
	return c, nil
}

// Amount must be positive, below models.MaxAmount and have no more decimal places than the currency settles with
func Amount(amount decimal.Decimal, currency models.Currency) error {
	if !amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}

	if amount.GreaterThanOrEqual(models.MaxAmount) {
		return fmt.Errorf("amount must be less than %s", models.MaxAmount)
	}

	if !amount.Truncate(currency.Scale()).Equal(amount) {
		return fmt.Errorf("amount must have at most %d decimal places for %s", currency.Scale(), currency)
	}
	return nil
}

// IdempotencyKey allows empty key; non-empty key must fit the column
func IdempotencyKey(key string) error {
	if utf8.RuneCountInString(key) > MaxIdempotencyKeyLength {
		return fmt.Errorf("idempotency key longer than %d characters", MaxIdempotencyKeyLength)
	}
	return nil
}
