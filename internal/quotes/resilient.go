package quotes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ksred/papertrade-api/internal/events"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// RetryPolicy bounds how long a single quote may take in total
type RetryPolicy struct {
	Timeout        time.Duration // per attempt
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Resilient wraps a Provider with per-attempt timeouts and bounded
// exponential backoff. Every failure it returns is QuoteUnavailable.
type Resilient struct {
	provider  Provider
	source    string
	policy    RetryPolicy
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewResilient(provider Provider, source string, policy RetryPolicy, publisher events.Publisher) *Resilient {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Resilient{
		provider:  provider,
		source:    source,
		policy:    policy,
		publisher: publisher,
		logger:    log.With().Str("service", "quotes").Str("source", source).Logger(),
	}
}

func (r *Resilient) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.policy.InitialBackoff),
		backoff.WithMaxInterval(r.policy.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() (decimal.Decimal, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()

		price, err := r.provider.GetCurrentPrice(attemptCtx, symbol)
		if err != nil {
			if errors.Is(err, ErrUnknownSymbol) {
				return decimal.Zero, backoff.Permanent(err)
			}
			return decimal.Zero, err
		}
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("non-positive price %s", price)
		}
		return price, nil
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn().
			Err(err).
			Str("symbol", symbol).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Quote attempt failed")
	}

	price, err := backoff.RetryNotifyWithData[decimal.Decimal](operation, policy, notify)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("symbol", symbol).
			Int("attempts", attempt).
			Msg("Quote unavailable")
		return decimal.Zero, types.WrapError(types.KindQuoteUnavailable,
			fmt.Sprintf("quote unavailable for %s", symbol), err)
	}

	r.publisher.Publish(events.Event{
		Type: events.TypeQuote,
		Data: Quote{Symbol: symbol, Price: price, Source: r.source, Time: time.Now().UTC()},
	})

	return price, nil
}
