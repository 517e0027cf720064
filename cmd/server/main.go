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

	"github.com/ksred/margin-engine/internal/auth"
	"github.com/ksred/margin-engine/internal/database"
	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/oracle"
	"github.com/ksred/margin-engine/internal/pool"
	"github.com/ksred/margin-engine/internal/positions"
	"github.com/ksred/margin-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the settlement API server with graceful
// shutdown support. It wires the market ledger, position engine and
// capital pool together with the price verifier and database.
func main() {
	// Initialize database
	db, err := database.NewDatabase(os.Getenv("DB_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "margin-secret-key"
	}
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register demo credentials
	authService.RegisterAPICredentials("trader-key", "trader-secret", "trader-1", auth.RoleTrader)
	authService.RegisterAPICredentials("relay-key", "relay-secret", "relay", auth.RoleRelay)
	authService.RegisterAPICredentials("admin-key", "admin-secret", "owner", auth.RoleAdmin)

	verifier := oracle.NewStaticVerifier()

	ledger, err := market.NewLedger(db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load market ledger")
	}

	capitalPool := pool.NewPool("owner", db)
	engine := positions.NewEngine(ledger, capitalPool, verifier, db)
	capitalPool.BindValuation(engine)

	engineHandlers := positions.NewGinHandlers(engine)
	poolHandlers := pool.NewGinHandlers(capitalPool)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authService, authHandlers, engineHandlers, poolHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: public endpoints for authentication
// - Trading and balance routes: JWT, trader role
// - Relay routes: JWT, relay role (price-keyed transitions)
// - Admin routes: JWT, admin role (asset and pool management)
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	engineHandlers *positions.GinHandlers,
	poolHandlers *pool.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Public market views
		assets := v1.Group("/assets")
		{
			assets.GET("", engineHandlers.ListAssetsHandler())
			assets.GET("/:asset_id", engineHandlers.AssetInfoHandler())
			assets.GET("/:asset_id/exposure", engineHandlers.ExposureHandler())
			assets.GET("/:asset_id/spread", engineHandlers.SpreadQuoteHandler())
			assets.GET("/:asset_id/funding", engineHandlers.FundingRatesHandler())
		}

		// Trading routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService), middleware.RequireRole(auth.RoleTrader))
		{
			orders.POST("", engineHandlers.PlaceOrderHandler())
			orders.POST("/:trade_id/cancel", engineHandlers.CancelOrderHandler())
		}

		positionsGroup := v1.Group("/positions")
		positionsGroup.Use(middleware.JWTAuth(authService))
		{
			positionsGroup.GET("/:trade_id", engineHandlers.GetTradeHandler())
			positionsGroup.GET("", engineHandlers.GetTradeRangeHandler())
			positionsGroup.GET("/:trade_id/liquidation-price", engineHandlers.LiquidationPriceHandler())
			positionsGroup.GET("/:trade_id/events", engineHandlers.GetTradeEventsHandler())
			positionsGroup.GET("/:trade_id/settlements", poolHandlers.SettlementsHandler())

			trader := positionsGroup.Group("")
			trader.Use(middleware.RequireRole(auth.RoleTrader))
			{
				trader.POST("", engineHandlers.OpenPositionHandler())
				trader.POST("/:trade_id/close", engineHandlers.ClosePositionHandler())
				trader.PUT("/:trade_id/stops", engineHandlers.UpdateStopsHandler())
				trader.POST("/:trade_id/margin", engineHandlers.AddMarginHandler())
			}
		}

		// Pool balance and provider routes
		poolGroup := v1.Group("/pool")
		poolGroup.Use(middleware.JWTAuth(authService))
		{
			poolGroup.GET("/balance", poolHandlers.BalanceHandler())
			poolGroup.POST("/deposit", poolHandlers.DepositHandler())
			poolGroup.POST("/withdraw", poolHandlers.WithdrawHandler())
			poolGroup.GET("/epoch", poolHandlers.EpochStatusHandler())
			poolGroup.GET("/epoch/:epoch/price", poolHandlers.SharePriceHandler())
			poolGroup.GET("/epochs", poolHandlers.EpochHistoryHandler())

			poolGroup.POST("/lp/deposit", poolHandlers.RequestDepositHandler())
			poolGroup.POST("/lp/deposit/reduce", poolHandlers.ReduceDepositHandler())
			poolGroup.POST("/lp/withdraw", poolHandlers.RequestWithdrawHandler())
			poolGroup.POST("/lp/withdraw/:epoch/claim", poolHandlers.ClaimWithdrawHandler())
			poolGroup.GET("/lp/withdraw/:epoch/claimable", poolHandlers.ClaimableHandler())
			poolGroup.GET("/lp/status", poolHandlers.ProviderStatusHandler())
		}

		// Relay routes: execution, liquidation, valuation runs
		relay := v1.Group("/relay")
		relay.Use(middleware.JWTAuth(authService), middleware.RequireRole(auth.RoleRelay, auth.RoleAdmin))
		{
			relay.POST("/execution/:trade_id", engineHandlers.ExecuteOrderHandler())
			relay.POST("/stops/:trade_id", engineHandlers.ExecuteStopHandler())
			relay.POST("/liquidation/:trade_id", engineHandlers.LiquidateHandler())
			relay.POST("/liquidation-profit/:trade_id", engineHandlers.LiquidateProfitHandler())
			relay.POST("/liquidation-prices", engineHandlers.LiquidationPricesHandler())
			relay.POST("/valuation", engineHandlers.SubmitValuationHandler())
			relay.GET("/valuation", engineHandlers.RunStatusHandler())
			relay.POST("/withdrawals/process", poolHandlers.ProcessWithdrawalsHandler())
		}

		// Admin routes: asset and pool management
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(authService), middleware.RequireRole(auth.RoleAdmin))
		{
			admin.POST("/assets", engineHandlers.ListAssetHandler())
			admin.PUT("/assets/:asset_id/fees", engineHandlers.SetFeesHandler())
			admin.PUT("/assets/:asset_id/funding", engineHandlers.SetFundingRatesHandler())
			admin.PUT("/assets/:asset_id/risk", engineHandlers.SetRiskParamsHandler())
			admin.PUT("/assets/:asset_id/price-delay", engineHandlers.SetPriceDelayHandler())
			admin.PUT("/assets/:asset_id/limits", engineHandlers.SetRiskLimitsHandler())
			admin.PUT("/assets/:asset_id/tradable", engineHandlers.SetTradableHandler())
			admin.PUT("/assets/:asset_id/lot-ratio", engineHandlers.UpdateLotRatioHandler())
			admin.DELETE("/assets/:asset_id", engineHandlers.RemoveAssetHandler())

			admin.POST("/pool/epoch/roll", poolHandlers.RollEpochHandler())
			admin.PUT("/pool/provision", poolHandlers.SetProvisionHandler())
			admin.PUT("/pool/owner", poolHandlers.SetOwnerHandler())
			admin.POST("/pool/dust", poolHandlers.SweepDustHandler())
		}
	}
}
