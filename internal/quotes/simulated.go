package quotes

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue is a mock quote source with its own latency and reliability
type Venue struct {
	ID          string
	Name        string
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability of answering
	Weight      float64 // selection weight
}

var defaultVenues = []*Venue{
	{ID: "SIM1", Name: "Primary Feed", MinLatency: 5, MaxLatency: 30, SuccessRate: 0.97, Weight: 0.9},
	{ID: "SIM2", Name: "Secondary Feed", MinLatency: 10, MaxLatency: 50, SuccessRate: 0.93, Weight: 0.7},
	{ID: "SIM3", Name: "Regional Feed", MinLatency: 15, MaxLatency: 70, SuccessRate: 0.88, Weight: 0.5},
}

// DefaultPrices seeds the random walk for the symbols the simulator knows
var DefaultPrices = map[string]decimal.Decimal{
	"AAPL":    decimal.NewFromInt(190),
	"MSFT":    decimal.NewFromInt(410),
	"GOOGL":   decimal.NewFromInt(150),
	"AMZN":    decimal.NewFromInt(180),
	"TSLA":    decimal.NewFromInt(175),
	"NVDA":    decimal.NewFromInt(880),
	"SPY":     decimal.NewFromInt(520),
	"BTC/USD": decimal.NewFromInt(65000),
	"ETH/USD": decimal.NewFromInt(3200),
	"EUR/USD": decimal.RequireFromString("1.08"),
	"GBP/USD": decimal.RequireFromString("1.26"),
}

// SimulatedProvider answers from mock venues. Each symbol's mid price moves
// by a bounded random walk per quote.
type SimulatedProvider struct {
	mu      sync.Mutex
	rng     *rand.Rand
	venues  []*Venue
	prices  map[string]decimal.Decimal
	maxStep float64 // max relative move per quote
	logger  zerolog.Logger
}

// SimulatedOption configures a SimulatedProvider
type SimulatedOption func(*SimulatedProvider)

// WithVenues replaces the default venues
func WithVenues(venues ...*Venue) SimulatedOption {
	return func(p *SimulatedProvider) {
		p.venues = venues
	}
}

// WithPrices replaces the seeded symbol prices
func WithPrices(prices map[string]decimal.Decimal) SimulatedOption {
	return func(p *SimulatedProvider) {
		p.prices = make(map[string]decimal.Decimal, len(prices))
		for symbol, price := range prices {
			p.prices[NormalizeSymbol(symbol)] = price
		}
	}
}

// WithMaxStep bounds the relative move of each quote, 0 freezes prices
func WithMaxStep(step float64) SimulatedOption {
	return func(p *SimulatedProvider) {
		p.maxStep = step
	}
}

// NewSimulatedProvider builds a provider seeded with seed; 0 picks a time seed
func NewSimulatedProvider(seed int64, opts ...SimulatedOption) *SimulatedProvider {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &SimulatedProvider{
		rng:     rand.New(rand.NewSource(seed)),
		venues:  defaultVenues,
		maxStep: 0.005,
		logger:  log.With().Str("component", "simulated_quotes").Logger(),
	}
	WithPrices(DefaultPrices)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetPrice pins the current mid price of a symbol
func (p *SimulatedProvider) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[NormalizeSymbol(symbol)] = price
}

func (p *SimulatedProvider) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)

	p.mu.Lock()
	if _, ok := p.prices[symbol]; !ok {
		p.mu.Unlock()
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	venue := p.selectVenue()
	latency := time.Duration(p.rng.Intn(venue.MaxLatency-venue.MinLatency+1)+venue.MinLatency) * time.Millisecond
	failed := p.rng.Float64() > venue.SuccessRate
	p.mu.Unlock()

	logger := p.logger.With().
		Str("venue_id", venue.ID).
		Str("symbol", symbol).
		Logger()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case <-timer.C:
	}

	if failed {
		logger.Debug().
			Float64("success_rate", venue.SuccessRate).
			Msg("Venue did not answer")
		return decimal.Zero, fmt.Errorf("quote failed on venue %s", venue.ID)
	}

	p.mu.Lock()
	price := p.step(symbol)
	p.mu.Unlock()

	logger.Debug().
		Str("price", price.String()).
		Dur("latency", latency).
		Msg("Simulated quote")

	return price, nil
}

// step moves the symbol's price and returns it. Caller holds mu.
func (p *SimulatedProvider) step(symbol string) decimal.Decimal {
	current := p.prices[symbol]
	if p.maxStep <= 0 {
		return current
	}
	move := (p.rng.Float64()*2 - 1) * p.maxStep
	next := current.Mul(decimal.NewFromFloat(1 + move)).Round(precisionFor(current))
	if !next.IsPositive() {
		next = current
	}
	p.prices[symbol] = next
	return next
}

// selectVenue picks a venue weighted by reliability. Caller holds mu.
func (p *SimulatedProvider) selectVenue() *Venue {
	totalWeight := 0.0
	for _, v := range p.venues {
		totalWeight += v.Weight * v.SuccessRate
	}

	choice := p.rng.Float64() * totalWeight
	currentWeight := 0.0
	for _, v := range p.venues {
		currentWeight += v.Weight * v.SuccessRate
		if currentWeight >= choice {
			return v
		}
	}
	return p.venues[0]
}

func precisionFor(price decimal.Decimal) int32 {
	if price.LessThan(decimal.NewFromInt(10)) {
		return 5
	}
	return 2
}
