package quota

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aiox-platform/usagegate/internal/alert"
	"github.com/aiox-platform/usagegate/internal/api"
	"github.com/aiox-platform/usagegate/internal/auth"
	"github.com/aiox-platform/usagegate/internal/store"
)

// AlertLister reads the alert log.
type AlertLister interface {
	List(ctx context.Context, params alert.ListParams) ([]alert.Alert, error)
}

// RecordUsageRequest is the body of POST /usage/{service}/record.
type RecordUsageRequest struct {
	Amount *float64 `json:"amount" validate:"required,min=0"`
}

// CheckResponse is the body of a successful admission check.
type CheckResponse struct {
	Allowed bool `json:"allowed"`
	Stopped bool `json:"stopped"`
}

type Handler struct {
	svc      *Service
	alerts   AlertLister
	validate *validator.Validate
}

func NewHandler(svc *Service, alerts AlertLister) *Handler {
	return &Handler{
		svc:      svc,
		alerts:   alerts,
		validate: validator.New(),
	}
}

func (h *Handler) GetAll(w http.ResponseWriter, r *http.Request) {
	usage, err := h.svc.GetAllUsage(r.Context())
	if err != nil {
		slog.Error("listing usage", "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}
	api.JSON(w, http.StatusOK, usage)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	usage, err := h.svc.GetUsage(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		if errors.Is(err, ErrInvalidService) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("reading usage", "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}
	api.JSON(w, http.StatusOK, usage)
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	resp := CheckResponse{
		Allowed: h.svc.CheckLimit(r.Context(), service),
		Stopped: h.svc.IsServiceStopped(r.Context(), service),
	}
	if !resp.Allowed {
		api.HandleError(w, api.ErrQuotaExceeded)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

func (h *Handler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordUsageRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	result, err := h.svc.RecordUsage(r.Context(), chi.URLParam(r, "service"), *req.Amount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidService) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("recording usage", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	status := http.StatusOK
	if result.Dropped {
		status = http.StatusAccepted
	}
	api.JSON(w, status, result)
}

func (h *Handler) Rollover(w http.ResponseWriter, r *http.Request) {
	operator := ""
	if claims := auth.GetAdminClaims(r.Context()); claims != nil {
		operator = claims.Operator
	}
	slog.Info("manual rollover requested", "operator", operator)

	result, err := h.svc.Rollover(r.Context())
	if err != nil {
		slog.Error("manual rollover", "error", err, "archived_services", result.ArchivedServices)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

func (h *Handler) GetArchive(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.GetArchive(r.Context(), chi.URLParam(r, "service"), chi.URLParam(r, "period"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.HandleError(w, api.NewNotFoundError("archive entry not found"))
			return
		}
		slog.Error("reading archive", "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}
	api.JSON(w, http.StatusOK, entry)
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	params := alert.ListParams{Service: r.URL.Query().Get("service")}
	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil && limit > 0 {
			params.Limit = limit
		}
	}

	alerts, err := h.alerts.List(r.Context(), params)
	if err != nil {
		slog.Error("listing alerts", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, alerts)
}
