package periods

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	acctshared "github.com/batasku/erpgate/internal/accounting/shared"
	"github.com/batasku/erpgate/internal/audit"
	"github.com/batasku/erpgate/internal/erpnext"
	"github.com/batasku/erpgate/internal/platform/httpx"
	"github.com/batasku/erpgate/internal/shared"
)

// CodeLookupFailed is the details code of an INTERNAL_ERROR caused by a
// failed period lookup.
const CodeLookupFailed = "LOOKUP_FAILED"

// RestrictionService is the behaviour the handler needs from *Service.
type RestrictionService interface {
	RestrictionInfo(ctx context.Context, creds erpnext.Credentials, req Request) (Info, error)
	RecordRestricted(ctx context.Context, req Request, decision Decision) error
	LogOverride(ctx context.Context, creds erpnext.Credentials, req OverrideRequest) (audit.Entry, error)
}

// Handler serves the accounting period restriction endpoints.
type Handler struct {
	logger  *slog.Logger
	service RestrictionService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service RestrictionService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) checkRestriction(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, invalidBody(err))
		return
	}
	ctx := r.Context()
	info, err := h.service.RestrictionInfo(ctx, shared.CredentialsFromContext(ctx), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if info.RequiresLogging {
		if err := h.service.RecordRestricted(ctx, req, info.Decision); err != nil {
			h.logger.Warn("record restricted transaction", slog.Any("error", err))
		}
	}
	httpx.OK(w, newRestrictionDTO(info))
}

func (h *Handler) logOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, invalidBody(err))
		return
	}
	ctx := r.Context()
	entry, err := h.service.LogOverride(ctx, shared.CredentialsFromContext(ctx), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.OK(w, overrideLogDTO{
		ID:               entry.ID.String(),
		AccountingPeriod: entry.AccountingPeriod,
		ActionType:       string(entry.Action),
		ActionDate:       entry.ActionDate.Format(time.RFC3339),
		Reason:           entry.Reason,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, httpx.ErrValidation):
		httpx.RespondError(w, err)
	case errors.Is(err, erpnext.ErrUnauthorized):
		httpx.RespondError(w, httpx.ErrUnauthorized)
	case errors.Is(err, acctshared.ErrOverrideNotPermitted):
		httpx.Fail(w, http.StatusForbidden, httpx.CodeForbidden, err.Error(), nil)
	case errors.Is(err, acctshared.ErrLookupFailed):
		h.logger.Error("period restriction lookup", slog.Any("error", err))
		httpx.Fail(w, http.StatusInternalServerError, httpx.CodeInternal, err.Error(), map[string]string{"code": CodeLookupFailed})
	default:
		h.logger.Error("period restriction", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func invalidBody(err error) error {
	return &ValidationError{Fields: []FieldError{{Field: "body", Message: "Invalid JSON: " + err.Error()}}}
}
