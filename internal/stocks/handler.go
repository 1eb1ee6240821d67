package stocks

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"stocksim/internal/httputil"
	"stocksim/internal/model"
)

type Handler struct {
	svc    *Service
	quotes *QuoteClient
}

func NewHandler(svc *Service, quotes *QuoteClient) *Handler {
	return &Handler{svc: svc, quotes: quotes}
}

func writeStockError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidStock):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrStockExists):
		status = http.StatusConflict
	case errors.Is(err, ErrQuoteUnavailable):
		status = http.StatusBadGateway
	}
	httputil.WriteJSON(w, status, httputil.ErrorResponse{Error: err.Error()})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
		Price  string `json:"price"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid price"})
		return
	}
	stock, err := h.svc.Register(r.Context(), req.Symbol, req.Name, price)
	if err != nil {
		writeStockError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, stock)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context())
	if err != nil {
		writeStockError(w, err)
		return
	}
	if list == nil {
		list = []model.Stock{}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	stock, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStockError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stock)
}

func (h *Handler) PostPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price string `json:"price"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid price"})
		return
	}
	point, err := h.svc.PostPrice(r.Context(), chi.URLParam(r, "id"), price)
	if err != nil {
		writeStockError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, point)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStockError(w, err)
		return
	}
	if history == nil {
		history = []model.PricePoint{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"prices": history, "count": len(history)})
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStockError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rep)
}

func (h *Handler) Top(w http.ResponseWriter, r *http.Request) {
	top, err := h.svc.TopStocks(r.Context())
	if err != nil {
		writeStockError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, top)
}

// Quote proxies the external market data API for a live reference price.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if !h.quotes.Enabled() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "quote api not configured"})
		return
	}
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "symbol is required"})
		return
	}
	price, err := h.quotes.Quote(r.Context(), symbol)
	if err != nil {
		writeStockError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"symbol": strings.ToUpper(symbol), "price": price.String()})
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if !h.quotes.Enabled() {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "quote api not configured"})
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "q is required"})
		return
	}
	matches, err := h.quotes.Search(r.Context(), query)
	if err != nil {
		writeStockError(w, err)
		return
	}
	if matches == nil {
		matches = []SymbolMatch{}
	}
	httputil.WriteJSON(w, http.StatusOK, matches)
}
