package trackhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/icap-logistics/icap-track/internal/models"
	"github.com/icap-logistics/icap-track/internal/services/orders"
	"github.com/pkg/errors"
)

// Business outcomes are HTTP 200 with a structured envelope; non-2xx is
// reserved for malformed requests and persistence failures.
const (
	CodeNotFound      = "not_found"
	CodeInvalidStatus = "invalid_status"
	CodeBadRequest    = "bad_request"
	CodeNoPosition    = "no_position"
	CodeInternal      = "internal"
)

type Service interface {
	Validate(ctx context.Context, code string) (*orders.ValidationResult, error)
	UpdateStatus(ctx context.Context, code, newStatus string) error
	RecordLocation(ctx context.Context, sample models.LocationSample) error
	Trajectory(ctx context.Context, code string) ([]*models.TrackingPoint, error)
	LastKnownPosition(ctx context.Context, code string) (*orders.LastPosition, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc Service
	db  Pinger
}

func New(svc Service, db Pinger) *Handler {
	return &Handler{svc: svc, db: db}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/health", h.health)
	r.Get("/api/orders/validate/{orderId}", h.validateOrder)
	r.Put("/api/orders/{orderId}/status", h.updateStatus)
	r.Post("/api/tracking/location", h.recordLocation)
	r.Get("/api/tracking-points/{orderId}", h.trackingPoints)
	r.Get("/api/tracking/current/{orderId}", h.currentPosition)
	return r
}

type envelope struct {
	Success   bool      `json:"success"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type statusUpdateRequest struct {
	Status string `json:"status"`
}

type statusUpdateResponse struct {
	Success   bool      `json:"success"`
	OrderCode string    `json:"orderId"`
	NewStatus string    `json:"newStatus"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type trackingPointDTO struct {
	ID         uint64     `json:"id"`
	OrderID    uint64     `json:"orderId"`
	Status     string     `json:"status"`
	Comment    string     `json:"comment,omitempty"`
	UserID     string     `json:"userId"`
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	RecordedAt *time.Time `json:"recordedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	db := "up"
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			db = "down"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"database":  db,
	})
}

func (h *Handler) validateOrder(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "orderId")
	res, err := h.svc.Validate(r.Context(), code)
	if err != nil {
		internalError(w, "validate order", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "orderId")

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: CodeBadRequest, Message: "corpo da requisição inválido", Timestamp: time.Now().UTC()})
		return
	}

	err := h.svc.UpdateStatus(r.Context(), code, req.Status)
	switch {
	case errors.Is(err, orders.ErrInvalidStatus):
		writeJSON(w, http.StatusOK, envelope{Code: CodeInvalidStatus, Message: "status desconhecido: " + req.Status, Timestamp: time.Now().UTC()})
	case errors.Is(err, models.ErrOrderNotFound):
		writeJSON(w, http.StatusOK, envelope{Code: CodeNotFound, Message: "Pedido não encontrado no sistema", Timestamp: time.Now().UTC()})
	case err != nil:
		internalError(w, "update status", err)
	default:
		writeJSON(w, http.StatusOK, statusUpdateResponse{
			Success:   true,
			OrderCode: code,
			NewStatus: req.Status,
			Timestamp: time.Now().UTC(),
			Message:   "Status atualizado",
		})
	}
}

func (h *Handler) recordLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Code: CodeBadRequest, Message: "corpo da requisição inválido", Timestamp: time.Now().UTC()})
		return
	}
	if sample.OrderCode == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Code: CodeBadRequest, Message: "orderId é obrigatório", Timestamp: time.Now().UTC()})
		return
	}

	err := h.svc.RecordLocation(r.Context(), sample)
	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		writeJSON(w, http.StatusOK, envelope{Code: CodeNotFound, Message: "Pedido não encontrado no sistema", Timestamp: time.Now().UTC()})
	case err != nil:
		internalError(w, "record location", err)
	default:
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Localização registrada", Timestamp: time.Now().UTC()})
	}
}

func (h *Handler) trackingPoints(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "orderId")
	pts, err := h.svc.Trajectory(r.Context(), code)
	if err != nil {
		internalError(w, "trajectory", err)
		return
	}
	out := make([]trackingPointDTO, 0, len(pts))
	for _, p := range pts {
		out = append(out, trackingPointDTO{
			ID:         p.ID,
			OrderID:    p.OrderID,
			Status:     p.Status,
			Comment:    p.Comment,
			UserID:     p.UserID,
			Latitude:   p.Latitude,
			Longitude:  p.Longitude,
			Accuracy:   p.Accuracy,
			Speed:      p.Speed,
			RecordedAt: p.RecordedAt,
			CreatedAt:  p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) currentPosition(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "orderId")
	pos, err := h.svc.LastKnownPosition(r.Context(), code)
	if err != nil {
		internalError(w, "last known position", err)
		return
	}
	if pos == nil {
		writeJSON(w, http.StatusOK, envelope{Code: CodeNoPosition, Message: "Nenhuma posição registrada", Timestamp: time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error(op, "error", err.Error())
	writeJSON(w, http.StatusInternalServerError, envelope{Code: CodeInternal, Message: "erro interno", Timestamp: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
