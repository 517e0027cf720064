// Command simulation starts the API server in-process and drives it over
// HTTP with randomized traffic: listing assets, funding traders and the
// pool, opening and closing leveraged positions against a moving price,
// feeding valuation runs and sweeping for liquidations. It prints
// per-endpoint latency statistics at the end, useful as a smoke test and a
// profiling harness.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/margin-engine/internal/auth"
	"github.com/ksred/margin-engine/internal/database"
	"github.com/ksred/margin-engine/internal/market"
	"github.com/ksred/margin-engine/internal/oracle"
	"github.com/ksred/margin-engine/internal/pool"
	"github.com/ksred/margin-engine/internal/positions"
	"github.com/ksred/margin-engine/pkg/middleware"
)

const (
	numTraders    = 8
	numSteps      = 400
	serverAddress = "http://localhost:8080"
)

// The simulation owns the price feed: it moves prices on this verifier and
// builds the proofs it submits back through the API.
var verifier = oracle.NewStaticVerifier()

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, 95th and 99th percentile
// durations from the recorded samples
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

// simulationClient handles HTTP communication with the API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"admin":     {name: "Admin"},
			"deposit":   {name: "Deposit"},
			"open":      {name: "Open Position"},
			"close":     {name: "Close Position"},
			"margin":    {name: "Add Margin"},
			"liquidate": {name: "Liquidate"},
			"valuation": {name: "Valuation Batch"},
			"epoch":     {name: "Epoch Roll"},
		},
	}
}

// call performs one authenticated JSON request and decodes the standard
// response envelope, recording latency under statKey.
func (sc *simulationClient) call(method, path, token, statKey string, payload interface{}) (json.RawMessage, error) {
	start := time.Now()
	data, err := sc.doCall(method, path, token, payload)
	sc.stats[statKey].record(time.Since(start), err != nil)
	return data, err
}

func (sc *simulationClient) doCall(method, path, token string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewBuffer(buf)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !result.Success {
		if result.Error != nil {
			return nil, fmt.Errorf("%s: %s", result.Error.Code, result.Error.Message)
		}
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return result.Data, nil
}

// authenticate exchanges API credentials for a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	data, err := sc.call("POST", "/api/v1/auth/token", "", "auth", auth.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	if err != nil {
		return "", err
	}
	var result auth.TokenResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

type assetFixture struct {
	AssetID            uint32          `json:"asset_id"`
	Symbol             string          `json:"symbol"`
	Numerator          uint32          `json:"lot_numerator"`
	Denominator        uint32          `json:"lot_denominator"`
	BaseFundingRate    decimal.Decimal `json:"base_funding_rate"`
	SpreadBase         decimal.Decimal `json:"spread_base"`
	WeekendRate        decimal.Decimal `json:"weekend_rate"`
	CommissionBps      uint32          `json:"commission_bps"`
	SecurityMultiplier uint16          `json:"security_multiplier"`
	MaxPhysicalMove    uint16          `json:"max_physical_move"`
	MaxLeverage        uint8           `json:"max_leverage"`
}

var assets = []assetFixture{
	{
		AssetID: 1, Symbol: "EURUSD", Numerator: 100000, Denominator: 1,
		BaseFundingRate: decimal.RequireFromString("0.00001"),
		SpreadBase:      decimal.RequireFromString("0.0001"),
		WeekendRate:     decimal.RequireFromString("0.0002"),
		CommissionBps:   10, SecurityMultiplier: 120, MaxPhysicalMove: 5,
		MaxLeverage: 100,
	},
	{
		AssetID: 2, Symbol: "XAUUSD", Numerator: 100, Denominator: 1,
		BaseFundingRate: decimal.RequireFromString("0.00002"),
		SpreadBase:      decimal.RequireFromString("0.0002"),
		WeekendRate:     decimal.RequireFromString("0.0003"),
		CommissionBps:   15, SecurityMultiplier: 150, MaxPhysicalMove: 10,
		MaxLeverage: 50,
	},
}

var startPrices = map[uint32]decimal.Decimal{
	1: decimal.RequireFromString("1.085"),
	2: decimal.RequireFromString("2350.00"),
}

type openedTrade struct {
	ID    uint64
	Token string
}

func main() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	time.Sleep(2 * time.Second)

	sc := newSimulationClient()

	adminToken, err := sc.authenticate("admin-key", "admin-secret")
	if err != nil {
		log.Fatal().Err(err).Msg("admin authentication")
	}
	relayToken, err := sc.authenticate("relay-key", "relay-secret")
	if err != nil {
		log.Fatal().Err(err).Msg("relay authentication")
	}

	traderTokens := make([]string, numTraders)
	for i := range traderTokens {
		token, err := sc.authenticate(fmt.Sprintf("trader-%d-key", i+1), "trader-secret")
		if err != nil {
			log.Fatal().Err(err).Msg("trader authentication")
		}
		traderTokens[i] = token
	}

	// List assets and seed prices.
	prices := make(map[uint32]decimal.Decimal, len(startPrices))
	assetIDs := make([]uint32, 0, len(assets))
	for _, a := range assets {
		if _, err := sc.call("POST", "/api/v1/admin/assets", adminToken, "admin", a); err != nil {
			log.Fatal().Err(err).Uint32("asset", a.AssetID).Msg("list asset")
		}
		prices[a.AssetID] = startPrices[a.AssetID]
		verifier.SetPrice(a.AssetID, prices[a.AssetID])
		assetIDs = append(assetIDs, a.AssetID)
	}

	// Seed pool capital: the owner deposits and rolls the bootstrap epoch,
	// minting shares at 1.0.
	mustCall(sc, "POST", "/api/v1/pool/deposit", adminToken, "deposit",
		gin.H{"amount": "5000000"})
	mustCall(sc, "POST", "/api/v1/pool/lp/deposit", adminToken, "deposit",
		gin.H{"amount": "5000000"})
	mustCall(sc, "POST", "/api/v1/admin/pool/epoch/roll", adminToken, "epoch", gin.H{})

	for _, token := range traderTokens {
		mustCall(sc, "POST", "/api/v1/pool/deposit", token, "deposit",
			gin.H{"amount": "100000"})
	}

	leverages := []uint8{2, 5, 10, 20, 50}
	var openTrades []openedTrade

	start := time.Now()
	for step := 0; step < numSteps; step++ {
		// Random walk each price by up to ±0.2% per step.
		for id, p := range prices {
			move := decimal.NewFromFloat((rng.Float64() - 0.5) * 0.004)
			prices[id] = p.Mul(decimal.NewFromInt(1).Add(move))
			verifier.SetPrice(id, prices[id])
		}

		token := traderTokens[rng.Intn(len(traderTokens))]
		assetID := assetIDs[rng.Intn(len(assetIDs))]
		proof, err := verifier.Proof(assetIDs...)
		if err != nil {
			log.Fatal().Err(err).Msg("proof")
		}

		switch action := rng.Intn(10); {
		case action < 5:
			data, err := sc.call("POST", "/api/v1/positions", token, "open", gin.H{
				"asset_id": assetID,
				"is_long":  rng.Intn(2) == 0,
				"leverage": leverages[rng.Intn(len(leverages))],
				"lots":     1 + rng.Intn(10),
				"proof":    json.RawMessage(proof),
			})
			if err != nil {
				continue
			}
			var trade struct {
				ID uint64 `json:"trade_id"`
			}
			if err := json.Unmarshal(data, &trade); err == nil {
				openTrades = append(openTrades, openedTrade{ID: trade.ID, Token: token})
			}
		case action < 8 && len(openTrades) > 0:
			idx := rng.Intn(len(openTrades))
			t := openTrades[idx]
			_, err := sc.call("POST", fmt.Sprintf("/api/v1/positions/%d/close", t.ID),
				t.Token, "close", gin.H{"lots": 0, "proof": json.RawMessage(proof)})
			if err == nil {
				openTrades = append(openTrades[:idx], openTrades[idx+1:]...)
			}
		case action < 9 && len(openTrades) > 0:
			t := openTrades[rng.Intn(len(openTrades))]
			_, _ = sc.call("POST", fmt.Sprintf("/api/v1/positions/%d/margin", t.ID),
				t.Token, "margin", gin.H{"amount": fmt.Sprintf("%d", 10+rng.Intn(100))})
		default:
			// Sweep for liquidatable positions.
			remaining := openTrades[:0]
			for _, t := range openTrades {
				_, err := sc.call("POST", fmt.Sprintf("/api/v1/relay/liquidation/%d", t.ID),
					relayToken, "liquidate", gin.H{"proof": json.RawMessage(proof)})
				if err != nil {
					remaining = append(remaining, t)
				}
			}
			openTrades = remaining
		}

		// Periodic valuation run over all assets.
		if step%25 == 24 {
			_, _ = sc.call("POST", "/api/v1/relay/valuation", relayToken, "valuation", gin.H{
				"proof":     json.RawMessage(proof),
				"asset_ids": assetIDs,
			})
		}
	}
	elapsed := time.Since(start)

	epochData, err := sc.doCall("GET", "/api/v1/pool/epoch", adminToken, nil)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("steps: %d  duration: %v  open trades remaining: %d\n",
		numSteps, elapsed.Round(time.Millisecond), len(openTrades))
	if err == nil {
		fmt.Printf("pool state: %s\n", string(epochData))
	}

	sc.printPerformanceStats()
}

func mustCall(sc *simulationClient, method, path, token, statKey string, payload interface{}) {
	if _, err := sc.call(method, path, token, statKey, payload); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("simulation setup")
	}
}

// printPerformanceStats outputs formatted latency statistics per endpoint
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %8s %8s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	keys := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		stats := sc.stats[k]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %8d %8d %10s %10s %10s %10s %10s %10s\n",
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

// startServer wires and starts the API server backed by the simulation's
// shared price verifier
func startServer() error {
	gin.SetMode(gin.ReleaseMode)

	// Each run starts from a clean slate.
	os.Remove("simulation.db")
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService("simulation-secret-key")
	authService.RegisterAPICredentials("admin-key", "admin-secret", "owner", auth.RoleAdmin)
	authService.RegisterAPICredentials("relay-key", "relay-secret", "relay", auth.RoleRelay)
	for i := 1; i <= numTraders; i++ {
		authService.RegisterAPICredentials(fmt.Sprintf("trader-%d-key", i), "trader-secret",
			fmt.Sprintf("trader-%d", i), auth.RoleTrader)
	}

	ledger, err := market.NewLedger(db)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	capitalPool := pool.NewPool("owner", db)
	engine := positions.NewEngine(ledger, capitalPool, verifier, db)
	capitalPool.BindValuation(engine)

	authHandlers := auth.NewGinHandlers(authService)
	engineHandlers := positions.NewGinHandlers(engine)
	poolHandlers := pool.NewGinHandlers(capitalPool)

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		authed := v1.Group("")
		authed.Use(middleware.JWTAuth(authService))
		{
			authed.POST("/positions", engineHandlers.OpenPositionHandler())
			authed.POST("/positions/:trade_id/close", engineHandlers.ClosePositionHandler())
			authed.POST("/positions/:trade_id/margin", engineHandlers.AddMarginHandler())
			authed.POST("/pool/deposit", poolHandlers.DepositHandler())
			authed.POST("/pool/lp/deposit", poolHandlers.RequestDepositHandler())
			authed.GET("/pool/epoch", poolHandlers.EpochStatusHandler())
			authed.POST("/relay/liquidation/:trade_id", engineHandlers.LiquidateHandler())
			authed.POST("/relay/valuation", engineHandlers.SubmitValuationHandler())
			authed.POST("/admin/assets", engineHandlers.ListAssetHandler())
			authed.POST("/admin/pool/epoch/roll", poolHandlers.RollEpochHandler())
		}
	}

	return router.Run(":8080")
}
