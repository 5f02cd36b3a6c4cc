package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmount is the exclusive upper bound of amounts and balances; columns are numeric(20, 6)
var MaxAmount = decimal.New(1, 14)

// Currency is an ISO 4217 code of a supported currency
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyTRY Currency = "TRY"
)

// Number of minor units each currency is settled with
var currencyScales = map[Currency]int32{
	CurrencyUSD: 2,
	CurrencyEUR: 2,
	CurrencyGBP: 2,
	CurrencyTRY: 2,
}

// ParseCurrency accepts codes case-insensitively and reports whether the code is supported
func ParseCurrency(code string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	_, ok := currencyScales[c]
	if !ok {
		return "", false
	}
	return c, true
}

// Currencies returns all supported currencies ordered by code
func Currencies() []Currency {
	return []Currency{CurrencyEUR, CurrencyGBP, CurrencyTRY, CurrencyUSD}
}

func (c Currency) String() string {
	return string(c)
}

func (c Currency) Valid() bool {
	_, ok := currencyScales[c]
	return ok
}

// Scale is the number of decimal places amounts in this currency are rounded to.
// Unknown currencies get the storage precision.
func (c Currency) Scale() int32 {
	if s, ok := currencyScales[c]; ok {
		return s
	}
	return 6
}
