package stocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrQuoteUnavailable = errors.New("quote unavailable")

// QuoteClient fetches reference prices from an external market data API.
type QuoteClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewQuoteClient(baseURL, apiKey string) *QuoteClient {
	return &QuoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *QuoteClient) Enabled() bool {
	return c != nil && c.apiKey != ""
}

func (c *QuoteClient) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrQuoteUnavailable, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Quote returns the latest traded price for a symbol.
func (c *QuoteClient) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var body struct {
		Price   string `json:"price"`
		Message string `json:"message"`
	}
	params := url.Values{"symbol": {strings.ToUpper(strings.TrimSpace(symbol))}}
	if err := c.get(ctx, "/price", params, &body); err != nil {
		return decimal.Zero, err
	}
	if body.Price == "" {
		if body.Message != "" {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrQuoteUnavailable, body.Message)
		}
		return decimal.Zero, ErrQuoteUnavailable
	}
	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad price %q", ErrQuoteUnavailable, body.Price)
	}
	return price, nil
}

type SymbolMatch struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"instrument_name"`
	Exchange string `json:"exchange"`
	Country  string `json:"country"`
}

// Search looks up symbols matching a free-text query.
func (c *QuoteClient) Search(ctx context.Context, query string) ([]SymbolMatch, error) {
	var body struct {
		Data []SymbolMatch `json:"data"`
	}
	params := url.Values{"symbol": {strings.TrimSpace(query)}, "outputsize": {"10"}}
	if err := c.get(ctx, "/symbol_search", params, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
