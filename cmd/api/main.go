package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/genai"

	"stocksim/internal/assistant"
	"stocksim/internal/auth"
	"stocksim/internal/config"
	"stocksim/internal/db"
	"stocksim/internal/health"
	"stocksim/internal/httpserver"
	"stocksim/internal/ledger"
	"stocksim/internal/marketdata"
	"stocksim/internal/stocks"
	"stocksim/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)
	if err := st.InitSchema(ctx); err != nil {
		log.Fatal(err)
	}

	bus := marketdata.NewBus()
	engine := ledger.NewEngineWithRate(st, cfg.LoanInterest)
	stockSvc := stocks.NewService(st, bus, slog.Default())
	quotes := stocks.NewQuoteClient(cfg.QuoteAPIBaseURL, cfg.QuoteAPIKey)
	authSvc := auth.NewService(st, cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL, cfg.StartingBalance)

	var aiClient *genai.Client
	if cfg.GeminiAPIKey != "" {
		aiClient, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.GeminiAPIKey})
		if err != nil {
			log.Fatal(err)
		}
	} else {
		log.Print("GEMINI_API_KEY not set, assistant disabled")
	}
	assistantSvc := assistant.NewService(aiClient, cfg.GeminiModel, engine, stockSvc, slog.Default())

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:      auth.NewHandler(authSvc),
		LedgerHandler:    ledger.NewHandler(engine, stockSvc, st),
		StocksHandler:    stocks.NewHandler(stockSvc, quotes),
		AssistantHandler: assistant.NewHandler(assistantSvc),
		HealthHandler:    health.NewHandler(pool, time.Now().UTC(), cfg.HTTPAddr, cfg.InternalToken),
		AuthService:      authSvc,
		InternalToken:    cfg.InternalToken,
		PriceWSHandler:   marketdata.NewPriceWS(bus, cfg.WebSocketOrigin),
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	log.Printf("server listening on %s", cfg.HTTPAddr)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
