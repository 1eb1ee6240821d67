package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"stocksim/internal/ledger"
	"stocksim/internal/stocks"
)

var ErrDisabled = errors.New("assistant is not configured")

const systemPrompt = `You are a trading assistant inside a stock market simulator.
Users trade virtual stocks with virtual money. You can see the user's portfolio
snapshot below. Answer questions about their holdings, explain market concepts
in plain language, and suggest what to look at next. Never promise returns and
never present the simulation as real investing advice. Keep answers short.`

type Service struct {
	client *genai.Client
	model  string
	engine *ledger.Engine
	stocks *stocks.Service
	log    *slog.Logger
}

// NewService builds the assistant. A nil client leaves it disabled; every
// call then returns ErrDisabled.
func NewService(client *genai.Client, model string, engine *ledger.Engine, stockSvc *stocks.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{client: client, model: model, engine: engine, stocks: stockSvc, log: log}
}

func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// Chat answers a free-form question with the user's portfolio as context.
func (s *Service) Chat(ctx context.Context, userID, message string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("message is required")
	}
	snapshot, err := s.portfolioContext(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.ask(ctx, snapshot, message)
}

// AnalyzePortfolio produces a short written review of the user's holdings.
func (s *Service) AnalyzePortfolio(ctx context.Context, userID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	snapshot, err := s.portfolioContext(ctx, userID)
	if err != nil {
		return "", err
	}
	if strings.Contains(snapshot, "no holdings") {
		return "Your portfolio is empty. Buy a stock first and I can analyze how it is doing.", nil
	}
	prompt := "Review this portfolio. Point out concentration risk, the best and worst positions by return, and one thing to watch."
	return s.ask(ctx, snapshot, prompt)
}

func (s *Service) ask(ctx context.Context, snapshot, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt + "\n\n" + snapshot}}},
	}
	chat, err := s.client.Chats.Create(ctx, s.model, config, nil)
	if err != nil {
		return "", err
	}
	resp, err := chat.Send(ctx, &genai.Part{Text: prompt})
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("empty model response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// portfolioContext renders the valuation as plain text for the model.
func (s *Service) portfolioContext(ctx context.Context, userID string) (string, error) {
	prices, err := s.stocks.PriceLookup(ctx)
	if err != nil {
		return "", err
	}
	v, err := s.engine.Portfolio(ctx, userID, prices)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cash balance: %s\n", v.CashBalance.StringFixed(2))
	fmt.Fprintf(&b, "Net worth: %s\n", v.NetWorth.StringFixed(2))
	if len(v.Holdings) == 0 {
		b.WriteString("Portfolio: no holdings\n")
		return b.String(), nil
	}
	b.WriteString("Holdings:\n")
	for _, h := range v.Holdings {
		stock, err := s.stocks.Get(ctx, h.StockID)
		symbol := h.StockID
		if err == nil {
			symbol = stock.Symbol
		}
		fmt.Fprintf(&b, "- %s: %d shares, avg cost %s, current %s, value %s\n",
			symbol, h.Quantity, h.AveragePrice.StringFixed(2), h.CurrentPrice.StringFixed(2), h.MarketValue.StringFixed(2))
	}
	return b.String(), nil
}
