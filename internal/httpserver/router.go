package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"stocksim/internal/assistant"
	"stocksim/internal/auth"
	"stocksim/internal/health"
	"stocksim/internal/httputil"
	"stocksim/internal/ledger"
	"stocksim/internal/stocks"
)

type RouterDeps struct {
	AuthHandler      *auth.Handler
	LedgerHandler    *ledger.Handler
	StocksHandler    *stocks.Handler
	AssistantHandler *assistant.Handler
	HealthHandler    *health.Handler
	AuthService      *auth.Service
	InternalToken    string
	PriceWSHandler   http.Handler
}

// authed adapts a user-scoped handler to http.HandlerFunc, rejecting
// requests whose context carries no user id.
func authed(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserID(r)
		if !ok {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
			return
		}
		fn(w, r, userID)
	}
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// CORS middleware for development
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Use(SecurityHeaders)
	r.Use(RateLimitMiddleware)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Get("/health/full", d.HealthHandler.Full)
	r.Get("/metrics", d.HealthHandler.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", d.AuthHandler.Register)
			r.Post("/login", d.AuthHandler.Login)
		})

		r.Get("/market/ws", d.PriceWSHandler.ServeHTTP)
		r.Get("/stocks", d.StocksHandler.List)
		r.Get("/stocks/top", d.StocksHandler.Top)
		r.Get("/stocks/{id}", d.StocksHandler.Get)
		r.Get("/stocks/{id}/history", d.StocksHandler.History)
		r.Get("/stocks/{id}/report", d.StocksHandler.Report)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Get("/me", authed(d.AuthHandler.Me))
			r.Post("/trades/buy", authed(d.LedgerHandler.Buy))
			r.Post("/trades/sell", authed(d.LedgerHandler.Sell))
			r.Get("/portfolio", authed(d.LedgerHandler.Portfolio))
			r.Get("/transactions", authed(d.LedgerHandler.Transactions))
			r.Post("/loans", authed(d.LedgerHandler.TakeLoan))
			r.Post("/loans/repay", authed(d.LedgerHandler.RepayLoan))
			r.Get("/loans/status", authed(d.LedgerHandler.LoanStatus))
			r.Get("/leaderboard", d.LedgerHandler.Leaderboard)
			r.Get("/report", authed(d.LedgerHandler.Report))
			r.Get("/quotes", d.StocksHandler.Quote)
			r.Get("/quotes/search", d.StocksHandler.Search)
			r.Post("/assistant/chat", authed(d.AssistantHandler.Chat))
			r.Post("/assistant/analyze", authed(d.AssistantHandler.Analyze))
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/internal/stocks", d.StocksHandler.Register)
			r.Post("/internal/stocks/{id}/price", d.StocksHandler.PostPrice)
		})
	})
	return r
}
