package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/example/preorder-escrow/internal/apperr"
	"github.com/example/preorder-escrow/internal/escrow"
	"github.com/example/preorder-escrow/internal/security"
)

// StatusFor maps an error kind onto the HTTP status returned for it.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidTransition, apperr.KindDisputeActive,
		apperr.KindIdempotencyConflict, apperr.KindAlreadyExists, apperr.KindDuplicate:
		return http.StatusConflict
	case apperr.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInvariantViolation:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

type verifyFailure struct {
	security.ErrorResponse
	Report *escrow.VerifyReport `json:"report"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. A failed verification also carries its report so
// operators can see which check broke.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, result any) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "cid", security.CorrelationIDFromContext(r.Context()), "error", err)
	}

	if report, ok := result.(*escrow.VerifyReport); ok && report != nil {
		writeJSON(w, r, status, verifyFailure{
			ErrorResponse: security.ErrorResponse{
				Error:         string(kind),
				Message:       apperr.UserMessage(err),
				CorrelationID: security.CorrelationIDFromContext(r.Context()),
			},
			Report: report,
		})
		return
	}
	security.WriteJSONError(w, r, status, string(kind), apperr.UserMessage(err))
}
