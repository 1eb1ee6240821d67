package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr        string
	DBDSN           string
	JWTIssuer       string
	JWTSecret       string
	JWTTTL          time.Duration
	InternalToken   string
	WebSocketOrigin string
	StartingBalance decimal.Decimal
	LoanInterest    decimal.Decimal
	QuoteAPIBaseURL string
	QuoteAPIKey     string
	GeminiAPIKey    string
	GeminiModel     string
}

func Load() (Config, error) {
	// A missing .env is fine; real deployments set env vars directly.
	_ = godotenv.Load()

	var c Config
	var missing []string
	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	jwtTTL := os.Getenv("JWT_TTL")
	if jwtTTL == "" {
		missing = append(missing, "JWT_TTL")
	} else {
		d, err := time.ParseDuration(jwtTTL)
		if err != nil {
			return c, err
		}
		c.JWTTTL = d
	}
	c.InternalToken = os.Getenv("INTERNAL_API_TOKEN")
	if c.InternalToken == "" {
		missing = append(missing, "INTERNAL_API_TOKEN")
	}
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")
	if c.WebSocketOrigin == "" {
		missing = append(missing, "WS_ORIGIN")
	}

	balance := strings.TrimSpace(os.Getenv("STARTING_BALANCE"))
	if balance == "" {
		balance = "10000"
	}
	startingBalance, err := decimal.NewFromString(balance)
	if err != nil || startingBalance.IsNegative() {
		return c, errors.New("invalid STARTING_BALANCE")
	}
	c.StartingBalance = startingBalance

	rate := strings.TrimSpace(os.Getenv("LOAN_INTEREST_RATE"))
	if rate == "" {
		rate = "0.10"
	}
	loanInterest, err := decimal.NewFromString(rate)
	if err != nil || loanInterest.IsNegative() {
		return c, errors.New("invalid LOAN_INTEREST_RATE")
	}
	c.LoanInterest = loanInterest

	c.QuoteAPIBaseURL = os.Getenv("QUOTE_API_BASE_URL")
	if c.QuoteAPIBaseURL == "" {
		c.QuoteAPIBaseURL = "https://api.twelvedata.com"
	}
	c.QuoteAPIKey = os.Getenv("QUOTE_API_KEY")

	c.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.GeminiModel = os.Getenv("GEMINI_MODEL")
	if c.GeminiModel == "" {
		c.GeminiModel = "gemini-2.5-flash"
	}

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}
	return c, nil
}
