package fxrate

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository/cache"
)

// Source tells where a rate came from
type Source string

const (
	SourceIdentity Source = "identity"
	SourceCache    Source = "cache"
	SourceProvider Source = "provider"
	SourceFallback Source = "fallback"
	SourceDefault  Source = "default"
)

type pair struct {
	from, to models.Currency
}

// Used when neither cache nor provider can answer
var fallbackRates = map[pair]decimal.Decimal{
	{models.CurrencyUSD, models.CurrencyTRY}: decimal.RequireFromString("33.25"),
	{models.CurrencyTRY, models.CurrencyUSD}: decimal.RequireFromString("0.030075"),
}

type rateCache interface {
	// Must return cache.ErrMiss if rate not cached
	Get(ctx context.Context, from, to models.Currency) (decimal.Decimal, error)
	Set(ctx context.Context, from, to models.Currency, rate decimal.Decimal) error
}

type rateProvider interface {
	Rate(ctx context.Context, from, to models.Currency) (decimal.Decimal, error)
}

type Quote struct {
	Rate   decimal.Decimal
	Source Source
}

// Resolver answers with exchange rate for any pair and never fails:
// cache first, then provider, then static fallback table, then 1
type Resolver struct {
	cache    rateCache
	provider rateProvider
	metrics  *Metrics
	logger   logger.Logger
}

// NewResolver accepts nil cache or provider; missing ones are skipped
func NewResolver(c rateCache, p rateProvider, metrics *Metrics, l logger.Logger) *Resolver {
	return &Resolver{
		cache:    c,
		provider: p,
		metrics:  metrics,
		logger:   l.With("component", "fx-resolver"),
	}
}

func (r *Resolver) Rate(ctx context.Context, from, to models.Currency) decimal.Decimal {
	return r.Quote(ctx, from, to).Rate
}

func (r *Resolver) Quote(ctx context.Context, from, to models.Currency) Quote {
	q := r.quote(ctx, from, to)
	r.metrics.IncLookup(q.Source)
	return q
}

func (r *Resolver) quote(ctx context.Context, from, to models.Currency) Quote {
	if from == to {
		return Quote{Rate: decimal.NewFromInt(1), Source: SourceIdentity}
	}

	if r.cache != nil {
		rate, err := r.cache.Get(ctx, from, to)
		switch {
		case err == nil && rate.IsPositive():
			return Quote{Rate: rate, Source: SourceCache}
		case err == nil:
			r.logger.Warn("Cached rate is not positive, ignoring", "from", from, "to", to, "rate", rate)
			r.metrics.IncFailure(SourceCache)
		case errors.Is(err, cache.ErrMiss):
		default:
			r.logger.Warn("Rate cache read failed", "from", from, "to", to, "error", err)
			r.metrics.IncFailure(SourceCache)
		}
	}

	if r.provider != nil {
		rate, err := r.provider.Rate(ctx, from, to)
		switch {
		case err == nil && rate.IsPositive():
			r.store(ctx, from, to, rate)
			return Quote{Rate: rate, Source: SourceProvider}
		case err == nil:
			r.logger.Warn("Provider rate is not positive, using fallback", "from", from, "to", to, "rate", rate)
			r.metrics.IncFailure(SourceProvider)
		default:
			r.logger.Warn("Rate provider failed, using fallback", "from", from, "to", to, "error", err)
			r.metrics.IncFailure(SourceProvider)
		}
	}

	// Fallback values are never cached so provider is asked again next time
	if rate, ok := fallbackRates[pair{from, to}]; ok {
		return Quote{Rate: rate, Source: SourceFallback}
	}

	r.logger.Warn("No rate known for pair, using 1", "from", from, "to", to)
	return Quote{Rate: decimal.NewFromInt(1), Source: SourceDefault}
}

func (r *Resolver) store(ctx context.Context, from, to models.Currency, rate decimal.Decimal) {
	if r.cache == nil {
		return
	}

	if err := r.cache.Set(ctx, from, to, rate); err != nil {
		r.logger.Warn("Rate cache write failed", "from", from, "to", to, "error", err)
		r.metrics.IncFailure(SourceCache)
	}
}
