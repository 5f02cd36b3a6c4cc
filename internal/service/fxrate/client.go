package fxrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

const (
	defaultRequestTimeout = 5 * time.Second

	// Rates are kept with the same precision as amounts in storage
	RateScale = 6
)

type ratesResponse struct {
	Base  string                     `json:"base,omitempty"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// Client of exchange rate provider
// Provider answers on GET <BaseURL><FROM> with body like {"rates": {"TRY": 33.25, "EUR": 0.92}}
type Client struct {
	BaseURL string

	client *http.Client
	logger logger.Logger
}

func NewClient(baseURL string, l logger.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: defaultRequestTimeout},
		logger:  l.With("component", "fx-client"),
	}
}

func (c *Client) Rate(ctx context.Context, from, to models.Currency) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+string(from), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Failed to get rates", "status_code", resp.StatusCode, "from", from)
		return decimal.Zero, fmt.Errorf("unexpected status code %d for %s rates", resp.StatusCode, from)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode response: %w", err)
	}

	rate, ok := lookup(body.Rates, to)
	if !ok {
		return decimal.Zero, fmt.Errorf("no %s rate in %s response", to, from)
	}

	// Rates below the stored precision round to zero and are as useless as a zero rate
	rounded := rate.Round(RateScale)
	if !rounded.IsPositive() {
		return decimal.Zero, fmt.Errorf("provider returned non-positive rate %s for %s/%s", rate, from, to)
	}

	rate = rounded
	c.logger.Debug("Rate response", "from", from, "to", to, "rate", rate)
	return rate, nil
}

func lookup(rates map[string]decimal.Decimal, to models.Currency) (decimal.Decimal, bool) {
	if r, ok := rates[string(to)]; ok {
		return r, true
	}
	for code, r := range rates {
		if strings.EqualFold(code, string(to)) {
			return r, true
		}
	}
	return decimal.Zero, false
}
