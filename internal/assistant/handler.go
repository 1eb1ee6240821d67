package assistant

import (
	"errors"
	"net/http"

	"stocksim/internal/httputil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func writeAssistantError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrDisabled) {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	httputil.WriteJSON(w, http.StatusBadGateway, httputil.ErrorResponse{Error: err.Error()})
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Message string `json:"message"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	if req.Message == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "message is required"})
		return
	}
	answer, err := h.svc.Chat(r.Context(), userID, req.Message)
	if err != nil {
		writeAssistantError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request, userID string) {
	answer, err := h.svc.AnalyzePortfolio(r.Context(), userID)
	if err != nil {
		writeAssistantError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"analysis": answer})
}
