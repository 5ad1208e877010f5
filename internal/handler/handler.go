// Package handler содержит HTTP-обработчики вендингового сервера: запуск оплаты,
// результат выдачи, отмена, вебхуки и статус платёжного бэкенда.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/middleware"
	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
	"github.com/mmeshcher/shaka-agent/internal/validation"
)

const (
	defaultSessionsLimit = 20
	maxSessionsLimit     = 200
)

// Sessions описывает журнал завершённых сессий.
type Sessions interface {
	ListSessions(ctx context.Context, limit int) ([]model.VendSession, error)
}

// Handler реализует HTTP-обработчики вендингового сервера поверх одного платёжного бэкенда.
type Handler struct {
	backend   payment.Backend
	sessions  Sessions
	relay     *middleware.RelayAuth
	statePath string
	logger    *zap.Logger
}

// NewHandler создаёт обработчик. sessions может быть nil, если журнал не настроен;
// statePath пустой, если бэкенд не ведёт файл состояния.
func NewHandler(b payment.Backend, sessions Sessions, relay *middleware.RelayAuth, statePath string, logger *zap.Logger) *Handler {
	return &Handler{
		backend:   b,
		sessions:  sessions,
		relay:     relay,
		statePath: statePath,
		logger:    logger,
	}
}

type response struct {
	OK      bool               `json:"ok"`
	Message string             `json:"message,omitempty"`
	Session *model.VendSession `json:"session,omitempty"`
}

type payRequest struct {
	Items     []model.VendItem `json:"items"`
	MachineID string           `json:"machineId"`
}

// Pay начинает платёжную сессию.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid JSON body"})
		return
	}

	items, err := validation.ValidateItems(req.Items)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}

	s, err := h.backend.StartPayment(r.Context(), items)
	if err != nil {
		h.writeError(w, "start payment", err)
		return
	}

	h.logger.Info("payment started",
		zap.String("session_id", s.SessionID),
		zap.String("machine_id", req.MachineID),
		zap.Int("total", s.TotalPrice),
	)
	writeJSON(w, http.StatusOK, response{OK: true, Message: "Payment started", Session: s})
}

type addItemRequest struct {
	Item *model.VendItem `json:"item"`
}

// AddItem добавляет товар к текущей сессии.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Item == nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "item is required"})
		return
	}
	if err := validation.ValidateItem(*req.Item); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error()})
		return
	}

	s, err := h.backend.AddItem(r.Context(), req.Item.Normalize())
	if err != nil {
		h.writeError(w, "add item", err)
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Message: "Item added", Session: s})
}

type vendResultRequest struct {
	Success   *bool  `json:"success"`
	SessionID string `json:"sessionId"`
}

// VendResult принимает результат выдачи товара от контроллера автомата.
func (h *Handler) VendResult(w http.ResponseWriter, r *http.Request) {
	var req vendResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Success == nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "success is required"})
		return
	}

	var err error
	if *req.Success {
		err = h.backend.VendSuccess(r.Context(), req.SessionID)
	} else {
		err = h.backend.VendFailure(r.Context(), req.SessionID)
	}
	if err != nil {
		h.writeError(w, "vend result", err)
		return
	}

	writeJSON(w, http.StatusOK, response{OK: true, Message: "Vend result recorded", Session: h.backend.Snapshot().Session})
}

type webhookRequest struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// Webhook передаёт бэкенду событие платёжной системы, пересланное ретранслятором,
// и возвращает ответ бэкенда без изменений.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventType == "" {
		writeJSON(w, http.StatusBadRequest, response{Message: "eventType is required"})
		return
	}

	resp, err := h.backend.HandleWebhook(r.Context(), req.EventType, req.Payload)
	if err != nil {
		h.writeError(w, "webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel отменяет текущую сессию.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.CancelSession(r.Context()); err != nil {
		h.writeError(w, "cancel session", err)
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Message: "Session cancelled", Session: h.backend.Snapshot().Session})
}

// Reset сбрасывает сессию и возвращает бэкенд в Idle.
func (h *Handler) Reset(w http.ResponseWriter, _ *http.Request) {
	h.backend.Reset()
	writeJSON(w, http.StatusOK, response{OK: true, Message: "Reset"})
}

// Status возвращает снимок состояния из файла состояния, а если файла нет, то текущий снимок бэкенда.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	if h.statePath != "" {
		snap, err := payment.LoadSnapshot(h.statePath)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, payment.ErrNoState) {
			h.logger.Warn("read state file error", zap.String("path", h.statePath), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, h.backend.Snapshot())
}

// Health сообщает, что сервер работает, и состояние подключения бэкенда.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"protocol":  h.backend.Protocol(),
		"connected": h.backend.Connected(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

// ListSessions возвращает последние завершённые сессии из журнала.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, response{Message: "session journal is not configured"})
		return
	}

	limit := defaultSessionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, response{Message: "limit must be a positive integer"})
			return
		}
		limit = min(v, maxSessionsLimit)
	}

	sessions, err := h.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		h.logger.Error("list sessions error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, response{Message: http.StatusText(http.StatusInternalServerError)})
		return
	}
	if sessions == nil {
		sessions = []model.VendSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// writeError отображает ошибку бэкенда в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, payment.ErrState),
		errors.Is(err, payment.ErrNoSession),
		errors.Is(err, payment.ErrSessionMismatch):
		status = http.StatusConflict
	case errors.Is(err, payment.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, payment.ErrIncrementUnsupported),
		errors.Is(err, payment.ErrAmountLimit),
		errors.Is(err, payment.ErrUnsupported):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err))
	} else {
		h.logger.Info(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, response{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
