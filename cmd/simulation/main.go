package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/ksred/papertrade-api/internal/auth"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders   = 20
	maxOrders   = 200
	numWorkers  = 8
	fundingCash = 250000
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META", "BTC/USD"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError is a non-2xx response from the server
type apiError struct {
	status int
	kind   string
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d (%s): %s", e.status, e.kind, e.body)
}

// simulationClient handles HTTP communication with the paper trading API
type simulationClient struct {
	baseURL     string
	internalKey string
	authToken   string
	client      *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL, internalKey string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"deposit":   {name: "Deposit"},
			"place":     {name: "Place Order"},
			"close":     {name: "Close Order"},
			"summary":   {name: "Portfolio Summary"},
			"reconcile": {name: "Reconcile"},
		},
	}

	var token auth.TokenResponse
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{
		APIKey:    auth.DemoAPIKey,
		APISecret: auth.DemoAPISecret,
	}, nil, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token

	return sc, nil
}

// call sends one request, retrying with backoff while the server answers 429.
// Retries reuse headers, so an Idempotency-Key stays the same across attempts.
func (sc *simulationClient) call(route, method, path string, in interface{}, headers map[string]string, out interface{}) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	return backoff.RetryNotify(func() error {
		err := sc.send(route, method, path, in, headers, out)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.status == http.StatusTooManyRequests {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b, func(err error, wait time.Duration) {
		log.Debug().Str("route", route).Dur("wait", wait).Msg("Rate limited, retrying")
	})
}

// send performs one request, records its latency under route and decodes the
// envelope data into out
func (sc *simulationClient) send(route, method, path string, in interface{}, headers map[string]string, out interface{}) error {
	start := time.Now()
	var callErr error
	defer func() {
		sc.record(route, time.Since(start), callErr != nil)
	}()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			callErr = err
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		callErr = err
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		callErr = err
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		callErr = fmt.Errorf("failed to read response body: %w", err)
		return callErr
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		callErr = fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		return callErr
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		apiErr := &apiError{status: resp.StatusCode, body: string(respBody)}
		if env.Error != nil {
			apiErr.kind = env.Error.Kind
		}
		callErr = apiErr
		return callErr
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			callErr = fmt.Errorf("failed to decode data: %w", err)
			return callErr
		}
	}
	return nil
}

func (sc *simulationClient) record(route string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

func (sc *simulationClient) deposit(amount decimal.Decimal) error {
	return sc.call("deposit", http.MethodPost, "/api/v1/wallet/deposit", map[string]decimal.Decimal{"amount": amount}, nil, nil)
}

func (sc *simulationClient) placeMarketBuy(symbol string, quantity decimal.Decimal) (*types.Order, error) {
	assetType := types.AssetTypeEquity
	if strings.Contains(symbol, "/") {
		assetType = types.AssetTypeCrypto
	}

	var order types.Order
	err := sc.call("place", http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"symbol":     symbol,
		"asset_type": assetType,
		"order_kind": types.OrderKindMarket,
		"side":       types.OrderSideBuy,
		"quantity":   quantity,
	}, map[string]string{"Idempotency-Key": uuid.New().String()}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) closeOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := sc.call("close", http.MethodPost, "/api/v1/orders/"+orderID+"/close", nil, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) summary() (*types.PortfolioSummary, error) {
	var summary types.PortfolioSummary
	if err := sc.call("summary", http.MethodGet, "/api/v1/portfolio/summary", nil, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (sc *simulationClient) reconcile(userID string) (*types.ReconciliationReport, error) {
	var report types.ReconciliationReport
	err := sc.call("reconcile", http.MethodGet, "/api/v1/internal/wallets/"+userID+"/reconcile", nil,
		map[string]string{"X-Internal-Key": sc.internalKey}, &report)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type simulationStats struct {
	mu           sync.Mutex
	placed       int
	rejected     int
	closed       int
	failed       int
	realizedPnL  decimal.Decimal
	symbolCounts map[string]int
}

// main drives concurrent buys, closes and summaries against the demo wallet
// of a running server, then checks that the wallet reconciles.
func main() {
	baseURL := envOr("SIM_SERVER_URL", "http://localhost:8080")
	internalKey := os.Getenv("INTERNAL_API_KEY")

	simClient, err := newSimulationClient(baseURL, internalKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	if err := simClient.deposit(decimal.NewFromInt(fundingCash)); err != nil {
		log.Fatal().Err(err).Msg("Failed to fund demo wallet")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Int("workers", numWorkers).Msg("Starting simulation")

	stats := &simulationStats{realizedPnL: decimal.Zero, symbolCounts: make(map[string]int)}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, targetOrders/numWorkers, simClient, stats)
		}(i)
	}
	wg.Wait()

	duration := time.Since(start)

	summary, err := simClient.summary()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch final summary")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("PAPER TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Placed:           %d
Rejected:         %d
Closed:           %d
Failed calls:     %d
Realized P&L:     %s
Duration:         %v
`, stats.placed, stats.rejected, stats.closed, stats.failed, stats.realizedPnL.StringFixed(2), duration.Round(time.Millisecond))

	if summary != nil {
		fmt.Printf(`Total balance:    %s
Cash balance:     %s
Total P&L:        %s (%s%%)
Open positions:   %d
`, summary.TotalBalance.StringFixed(2), summary.CashBalance.StringFixed(2),
			summary.TotalPnL.StringFixed(2), summary.TotalPnLPercent.StringFixed(2), summary.OpenPositions)
	}

	fmt.Println("\nSymbol Distribution")
	fmt.Println("-------------------")
	maxCount := 0
	for _, count := range stats.symbolCounts {
		if count > maxCount {
			maxCount = count
		}
	}
	for symbol, count := range stats.symbolCounts {
		bar := strings.Repeat("#", int(float64(count)/float64(maxCount)*20))
		fmt.Printf("%-8s: %s (%d)\n", symbol, bar, count)
	}
	fmt.Println(strings.Repeat("=", 80))

	if internalKey == "" {
		log.Warn().Msg("INTERNAL_API_KEY not set, skipping reconciliation")
	} else {
		report, err := simClient.reconcile(auth.DemoUserID)
		if err != nil {
			log.Error().Err(err).Msg("Reconciliation request failed")
		} else {
			log.Info().
				Bool("balanced", report.Balanced).
				Str("balance", report.Balance.String()).
				Str("expected", report.ExpectedBalance.String()).
				Int("transactions", report.Transactions).
				Msg("Reconciliation completed")
		}
	}

	simClient.printPerformanceStats()
}

// runWorker places market buys and closes roughly half of them right away,
// checking the portfolio summary along the way.
func runWorker(workerID, numOrders int, sc *simulationClient, stats *simulationStats) {
	logger := log.With().Int("worker", workerID).Logger()

	for i := 0; i < numOrders; i++ {
		symbol := symbols[rand.Intn(len(symbols))]
		quantity := decimal.NewFromInt(int64(rand.Intn(10) + 1))
		if strings.Contains(symbol, "/") {
			quantity = decimal.NewFromFloat(0.01)
		}

		order, err := sc.placeMarketBuy(symbol, quantity)
		if err != nil {
			stats.mu.Lock()
			if apiErr, ok := err.(*apiError); ok && apiErr.kind == string(types.KindInsufficientBalance) {
				stats.rejected++
			} else {
				stats.failed++
			}
			stats.mu.Unlock()
			logger.Warn().Err(err).Str("symbol", symbol).Msg("Order not placed")
			continue
		}

		stats.mu.Lock()
		stats.placed++
		stats.symbolCounts[symbol]++
		stats.mu.Unlock()

		if rand.Intn(2) == 0 {
			closed, err := sc.closeOrder(order.OrderID)
			stats.mu.Lock()
			if err != nil {
				stats.failed++
				logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("Close failed")
			} else {
				stats.closed++
				stats.realizedPnL = stats.realizedPnL.Add(closed.RealizedPnL.Decimal)
			}
			stats.mu.Unlock()
		}

		if i%5 == 0 {
			if _, err := sc.summary(); err != nil {
				logger.Warn().Err(err).Msg("Summary failed")
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
