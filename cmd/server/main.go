package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/papertrade-api/internal/auth"
	"github.com/ksred/papertrade-api/internal/config"
	"github.com/ksred/papertrade-api/internal/database"
	"github.com/ksred/papertrade-api/internal/events"
	"github.com/ksred/papertrade-api/internal/ledger"
	"github.com/ksred/papertrade-api/internal/portfolio"
	"github.com/ksred/papertrade-api/internal/quotes"
	"github.com/ksred/papertrade-api/internal/scheduler"
	"github.com/ksred/papertrade-api/internal/trading"
	"github.com/ksred/papertrade-api/pkg/middleware"
	"github.com/ksred/papertrade-api/pkg/response"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth      *auth.GinHandlers
	trading   *trading.GinHandlers
	portfolio *portfolio.GinHandlers
	ledger    *ledger.GinHandlers
	quotes    *quotes.GinHandlers
}

// main initializes and runs the paper trading API server with graceful shutdown support
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	store := ledger.NewStore(db, ledger.WalletPolicy{
		StartingBalance: cfg.Wallet.StartingBalance,
		Currency:        cfg.Wallet.Currency,
	})

	bus := events.NewBus()
	provider := quotes.NewResilient(newQuoteSource(cfg.Quotes), cfg.Quotes.Provider, quotes.RetryPolicy{
		Timeout:        cfg.Quotes.Timeout,
		MaxAttempts:    cfg.Quotes.MaxAttempts,
		InitialBackoff: cfg.Quotes.InitialBackoff,
		MaxBackoff:     cfg.Quotes.MaxBackoff,
	}, bus)

	authService := auth.NewService(cfg.JWTSecret)
	if !cfg.IsProduction() {
		authService.RegisterAPICredentials(auth.DemoAPIKey, auth.DemoAPISecret, auth.DemoUserID)
		zlog.Info().Str("api_key", auth.DemoAPIKey).Msg("Demo credentials registered")
	}

	tradingService := trading.NewService(store, provider, bus)
	portfolioService := portfolio.NewService(store, provider)
	ledgerService := ledger.NewService(store)

	jobs := scheduler.New(zlog.Logger)
	if err := jobs.AddJob(cfg.Scheduler.OrderSweep, trading.NewPendingOrderSweep(tradingService)); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to schedule pending order sweep")
	}
	if err := jobs.AddJob(cfg.Scheduler.IdempotencySweep, trading.NewIdempotencyPurge(store)); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to schedule idempotency purge")
	}
	jobs.Start()

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	setupRoutes(router, cfg, authService, handlers{
		auth:      auth.NewGinHandlers(authService),
		trading:   trading.NewGinHandlers(tradingService),
		portfolio: portfolio.NewGinHandlers(portfolioService),
		ledger:    ledger.NewGinHandlers(ledgerService),
		quotes:    quotes.NewGinHandlers(provider, cfg.Quotes.Provider, bus, cfg.WSOrigin),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Str("quote_provider", cfg.Quotes.Provider).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	jobs.Stop()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

func newQuoteSource(cfg config.Quotes) quotes.Provider {
	if cfg.Provider == "alpaca" {
		return quotes.NewAlpacaProvider(cfg.AlpacaAPIKey, cfg.AlpacaAPISecret, cfg.AlpacaDataURL)
	}
	seed := cfg.SimulatedSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return quotes.NewSimulatedProvider(seed)
}

// setupRoutes configures all API endpoints and their handlers
// - Auth and health routes are public
// - Trading, portfolio, wallet and quote routes require a JWT and are
//   throttled per user; token requests are throttled per client IP
// - Internal routes require the X-Internal-Key header
func setupRoutes(router *gin.Engine, cfg *config.Config, authService *auth.Service, h handlers) {
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			orders := protected.Group("/orders")
			orders.POST("", h.trading.CreateOrderHandler())
			orders.GET("", h.trading.ListOrdersHandler())
			orders.GET("/:order_id", h.trading.GetOrderHandler())
			orders.POST("/:order_id/close", h.trading.CloseOrderHandler())
			orders.POST("/:order_id/cancel", h.trading.CancelOrderHandler())

			portfolioRoutes := protected.Group("/portfolio")
			portfolioRoutes.GET("/summary", h.portfolio.GetSummaryHandler())
			portfolioRoutes.GET("/positions", h.portfolio.GetPositionsHandler())
			portfolioRoutes.GET("/holdings", h.portfolio.GetHoldingsHandler())

			wallet := protected.Group("/wallet")
			wallet.GET("", h.ledger.GetWalletHandler())
			wallet.GET("/transactions", h.ledger.GetTransactionsHandler())
			wallet.POST("/deposit", h.ledger.DepositHandler())
			wallet.POST("/withdraw", h.ledger.WithdrawHandler())

			protected.GET("/quotes/:symbol", h.quotes.GetQuoteHandler())
			protected.GET("/stream", h.quotes.StreamHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.InternalAPIKey))
		{
			internal.POST("/orders/:order_id/fill", h.trading.FillOrderHandler())
			internal.GET("/wallets/:user_id/reconcile", h.ledger.ReconcileHandler())
		}
	}
}
