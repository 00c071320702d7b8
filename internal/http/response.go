package http

import (
	"encoding/json"
	"net/http"

	"CanvasPay/internal/models"
	"CanvasPay/internal/payerr"
)

type errorResponse struct {
	Category  payerr.Category      `json:"category"`
	Code      string               `json:"code,omitempty"`
	Retryable bool                 `json:"retryable"`
	Message   string               `json:"message"`
	Status    models.PaymentStatus `json:"status,omitempty"`
}

func toErrorResponse(pe *payerr.Error, status models.PaymentStatus) errorResponse {
	return errorResponse{
		Category:  pe.Category,
		Code:      pe.Code,
		Retryable: pe.Retryable,
		Message:   payerr.FormatForUser(pe),
		Status:    status,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with user-facing copy. status is where the payment
// ended up, when known.
func writeError(w http.ResponseWriter, r *http.Request, err error, status models.PaymentStatus) {
	pe := payerr.Classify(err)
	code := httpStatus(pe)
	logRequestError(r, pe, code)
	writeJSON(w, code, toErrorResponse(pe, status))
}

func httpStatus(pe *payerr.Error) int {
	switch pe.Code {
	case payerr.CodeInvalidRequest:
		return http.StatusBadRequest
	case payerr.CodeSessionNotFound:
		return http.StatusNotFound
	case payerr.CodeCannotCancelConfirmed, payerr.CodeInvalidTransition, payerr.CodeDuplicateTransaction:
		return http.StatusConflict
	case payerr.CodeWalletNotConnected:
		return http.StatusPreconditionFailed
	case payerr.CodeSessionTimeout:
		return http.StatusGone
	case payerr.CodeRecordWriteFailed:
		return http.StatusServiceUnavailable
	case payerr.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	switch pe.Category {
	case payerr.UserRejection:
		return http.StatusConflict
	case payerr.BalanceError:
		return http.StatusPaymentRequired
	case payerr.NetworkError:
		return http.StatusServiceUnavailable
	case payerr.WalletError, payerr.BlockchainError:
		return http.StatusBadGateway
	case payerr.TimeoutError:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
