package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"CanvasPay/internal/logging"
	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
	"CanvasPay/internal/payments"
	"CanvasPay/internal/persistence"
)

// Payments is the orchestrator surface the API serves.
type Payments interface {
	Initialize(ctx context.Context, amount decimal.Decimal, meta payments.Metadata) (*payments.InitResult, error)
	Process(ctx context.Context, paymentID string) (*payments.ProcessResult, error)
	Cancel(ctx context.Context, paymentID string) (*payments.CancelResult, error)
	GetStatus(ctx context.Context, paymentID string) (*payments.StatusView, error)
	Restore(ctx context.Context, snap persistence.Snapshot) (*payments.StatusView, error)
}

type Handler struct {
	Payments Payments
}

type initializeRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	ResourceID string          `json:"resourceId"`
	Instrument string          `json:"instrument"`
}

type processResponse struct {
	PaymentID         string               `json:"paymentId"`
	Status            models.PaymentStatus `json:"status"`
	TransferSignature string               `json:"transferSignature,omitempty"`
}

type statusResponse struct {
	PaymentID         string               `json:"paymentId"`
	Status            models.PaymentStatus `json:"status"`
	ResourceID        string               `json:"resourceId"`
	Amount            string               `json:"amount"`
	Instrument        string               `json:"instrument"`
	TransferSignature string               `json:"transferSignature,omitempty"`
	Attempts          int                  `json:"attempts"`
	ExpiresAt         string               `json:"expiresAt,omitempty"`
	Error             *errorResponse       `json:"error,omitempty"`
	Source            string               `json:"source"`
}

func NewHandler(p Payments) *Handler {
	return &Handler{Payments: p}
}

func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, payerr.New(payerr.UnknownError, payerr.CodeInvalidRequest, false, "invalid json body"), "")
		return
	}

	res, err := h.Payments.Initialize(r.Context(), req.Amount, payments.Metadata{
		ResourceID: req.ResourceID,
		Instrument: req.Instrument,
	})
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	res, err := h.Payments.Process(r.Context(), paymentID)
	if err != nil {
		status := models.PaymentStatus("")
		if res != nil {
			status = res.Status
		}
		writeError(w, r, err, status)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{
		PaymentID:         res.PaymentID,
		Status:            res.Status,
		TransferSignature: res.TransferSignature,
	})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	res, err := h.Payments.Cancel(r.Context(), paymentID)
	if err != nil {
		status := models.PaymentStatus("")
		if res != nil {
			status = res.Status
		}
		writeError(w, r, err, status)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	view, err := h.Payments.GetStatus(r.Context(), paymentID)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(view))
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var snap persistence.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, r, payerr.New(payerr.UnknownError, payerr.CodeInvalidRequest, false, "snapshot must be a flat object of strings"), "")
		return
	}
	view, err := h.Payments.Restore(r.Context(), snap)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(view))
}

func toStatusResponse(v *payments.StatusView) statusResponse {
	resp := statusResponse{
		PaymentID:         v.PaymentID,
		Status:            v.Status,
		ResourceID:        v.ResourceID,
		Amount:            v.Amount.String(),
		Instrument:        v.Instrument,
		TransferSignature: v.TransferSignature,
		Attempts:          v.Attempts,
		Source:            v.Source,
	}
	if v.ExpiresAt != nil {
		resp.ExpiresAt = v.ExpiresAt.Format(time.RFC3339)
	}
	if v.Error != nil {
		e := toErrorResponse(v.Error, "")
		resp.Error = &e
	}
	return resp
}

func logRequestError(r *http.Request, pe *payerr.Error, status int) {
	ev := logging.FromContext(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		ev = logging.FromContext(r.Context()).Error()
	}
	ev.Err(pe).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("category", string(pe.Category)).
		Str("code", pe.Code).
		Msg("request failed")
}
