package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/batasku/erpgate/internal/accounting/shared"
	"github.com/batasku/erpgate/internal/audit"
	"github.com/batasku/erpgate/internal/erpnext"
)

// Auditor records audit entries; *audit.Recorder satisfies it.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// OverrideRequest describes an administrator change inside a closed period.
type OverrideRequest struct {
	Period    string   `json:"period" validate:"required"`
	DocType   string   `json:"doctype" validate:"required"`
	DocName   string   `json:"docname" validate:"required"`
	User      string   `json:"user" validate:"required"`
	UserRoles []string `json:"userRoles,omitempty"`
	Action    string   `json:"action" validate:"required,oneof=create update delete"`
	Reason    string   `json:"reason,omitempty"`
}

// RecordRestricted writes an audit entry for a decision that asks for one.
// The ERP log has no action for a rejected attempt, so it is written as
// Transaction Modified with a blocked reason. Requests without a user are
// attributed to the service user. It is a no-op when auditing is not
// configured.
func (s *Service) RecordRestricted(ctx context.Context, req Request, decision Decision) error {
	if s.auditor == nil || !decision.RequiresLogging || decision.Period == nil {
		return nil
	}
	actor := strings.TrimSpace(req.User)
	if actor == "" {
		actor = s.serviceUser
	}
	return s.auditor.Record(ctx, audit.Entry{
		AccountingPeriod:    decision.Period.Name,
		Company:             req.Company,
		Action:              audit.ActionTransactionModified,
		ActionBy:            actor,
		Reason:              audit.BlockedReason(decision.Reason),
		AffectedTransaction: req.DocName,
		TransactionDocType:  req.DocType,
	})
}

// LogOverride records an administrator change to a transaction in a closed
// period. The caller must hold an override-capable role, and permanently
// closed periods cannot be overridden. When the request carries an ERP
// session, the user and roles come from that session instead of the body.
func (s *Service) LogOverride(ctx context.Context, creds erpnext.Credentials, req OverrideRequest) (audit.Entry, error) {
	if err := s.validate.Struct(req); err != nil {
		return audit.Entry{}, newValidationError(err)
	}
	if !creds.Authenticated() {
		return audit.Entry{}, erpnext.ErrUnauthorized
	}
	if s.auditor == nil {
		return audit.Entry{}, errors.New("audit recorder not configured")
	}
	user, roles := req.User, req.UserRoles
	if creds.SessionToken != "" {
		su, err := s.sessionUser(ctx, creds)
		if err != nil {
			return audit.Entry{}, err
		}
		user, roles = su.Name, su.Roles
	}
	if !s.CanOverride(ctx, creds, roles) {
		return audit.Entry{}, shared.ErrOverrideNotPermitted
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	period, err := s.repo.GetPeriod(lookupCtx, creds, req.Period)
	cancel()
	if err != nil {
		return audit.Entry{}, s.lookupFailed(err, slog.String("period", req.Period))
	}
	if period.Status == PeriodStatusPermanentlyClosed {
		return audit.Entry{}, fmt.Errorf("%w: period %s is permanently closed", shared.ErrOverrideNotPermitted, period.PeriodName)
	}

	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("Administrator %s %s %s in closed period %s", req.Action, req.DocType, req.DocName, period.PeriodName)
	}
	entry := audit.Entry{
		ID:                  uuid.New(),
		ActionDate:          time.Now().UTC(),
		AccountingPeriod:    period.Name,
		Company:             period.Company,
		Action:              audit.ActionTransactionModified,
		ActionBy:            user,
		Reason:              reason,
		AffectedTransaction: req.DocName,
		TransactionDocType:  req.DocType,
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func (s *Service) sessionUser(ctx context.Context, creds erpnext.Credentials) (SessionUser, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	user, err := s.repo.SessionUser(ctx, creds)
	if err == nil {
		return user, nil
	}
	var apiErr *erpnext.APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
		return SessionUser{}, erpnext.ErrUnauthorized
	}
	if errors.Is(err, erpnext.ErrUnauthorized) {
		return SessionUser{}, err
	}
	s.logger.Warn("session user lookup failed", slog.Any("error", err))
	return SessionUser{}, fmt.Errorf("%w: session user: %w", shared.ErrLookupFailed, err)
}
