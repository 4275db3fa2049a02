package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/batasku/erpgate/internal/accounting/shared"
	"github.com/batasku/erpgate/internal/erpnext"
)

const (
	defaultLookupTimeout = 5 * time.Second
	defaultServiceUser   = "Administrator"
)

// Decision outcomes reported to the Observer.
const (
	OutcomeNoPeriod     = "no_period"
	OutcomeOpen         = "open"
	OutcomeExempted     = "exempted"
	OutcomeDenied       = "denied"
	OutcomeLookupFailed = "lookup_failed"
)

// Observer receives decision telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveDecision(outcome string)
	ObservePeriodOverlap()
}

// ServiceConfig carries the evaluator's tunables.
type ServiceConfig struct {
	// ServiceUser is recorded as action_by when a request names no user.
	ServiceUser     string
	OverrideRoles   []string
	OverrideFromERP bool
	LookupTimeout   time.Duration
	Observer        Observer
	Auditor         Auditor
	Logger          *slog.Logger
}

// Service evaluates transaction period restrictions.
type Service struct {
	repo            Repository
	validate        *validator.Validate
	serviceUser     string
	overrideRoles   []string
	overrideFromERP bool
	lookupTimeout   time.Duration
	observer        Observer
	auditor         Auditor
	logger          *slog.Logger
}

// NewService constructs the evaluator.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceUser := cfg.ServiceUser
	if serviceUser == "" {
		serviceUser = defaultServiceUser
	}
	return &Service{
		repo:            repo,
		validate:        newValidator(),
		serviceUser:     serviceUser,
		overrideRoles:   slices.Clone(cfg.OverrideRoles),
		overrideFromERP: cfg.OverrideFromERP,
		lookupTimeout:   timeout,
		observer:        cfg.Observer,
		auditor:         cfg.Auditor,
		logger:          logger,
	}
}

// Validate checks a request and returns its posting date.
func (s *Service) Validate(req Request) (time.Time, error) {
	if err := s.validate.Struct(req); err != nil {
		return time.Time{}, newValidationError(err)
	}
	date, err := time.Parse(DateLayout, req.PostingDate)
	if err != nil {
		return time.Time{}, &ValidationError{Fields: []FieldError{{Field: "posting_date", Message: "Invalid date format (YYYY-MM-DD)"}}}
	}
	return date, nil
}

// CheckRestriction decides whether a transaction may be created or modified.
// A lookup failure is returned as an error wrapping shared.ErrLookupFailed and
// never as an allowed decision.
func (s *Service) CheckRestriction(ctx context.Context, creds erpnext.Credentials, req Request) (Decision, error) {
	date, err := s.Validate(req)
	if err != nil {
		return Decision{}, err
	}
	if !creds.Authenticated() {
		return Decision{}, erpnext.ErrUnauthorized
	}
	return s.check(ctx, creds, req, date)
}

// RestrictionInfo returns the decision together with override eligibility.
// The period lookup and the ERP closing config lookup run concurrently.
func (s *Service) RestrictionInfo(ctx context.Context, creds erpnext.Credentials, req Request) (Info, error) {
	date, err := s.Validate(req)
	if err != nil {
		return Info{}, err
	}
	if !creds.Authenticated() {
		return Info{}, erpnext.ErrUnauthorized
	}

	var (
		decision Decision
		roles    []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		decision, err = s.check(gctx, creds, req, date)
		return err
	})
	g.Go(func() error {
		roles = s.OverrideRoles(gctx, creds)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Info{}, err
	}

	canOverride := hasAnyRole(req.UserRoles, roles)
	if decision.Period != nil && decision.Period.Status == PeriodStatusPermanentlyClosed {
		canOverride = false
	}
	return Info{
		Decision:    decision,
		Restricted:  !decision.Allowed,
		CanOverride: canOverride,
	}, nil
}

// OverrideRoles returns the roles allowed to override a closed period. When
// enabled, the ERP's reopen_role is added; failing to read it only narrows
// the set to the configured roles.
func (s *Service) OverrideRoles(ctx context.Context, creds erpnext.Credentials) []string {
	roles := slices.Clone(s.overrideRoles)
	if !s.overrideFromERP {
		return roles
	}
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()
	cfg, err := s.repo.GetClosingConfig(ctx, creds)
	if err != nil {
		s.logger.Warn("period closing config lookup", slog.Any("error", err))
		return roles
	}
	if cfg.ReopenRole != "" && !slices.Contains(roles, cfg.ReopenRole) {
		roles = append(roles, cfg.ReopenRole)
	}
	return roles
}

// CanOverride reports whether userRoles include an override-capable role.
func (s *Service) CanOverride(ctx context.Context, creds erpnext.Credentials, userRoles []string) bool {
	return hasAnyRole(userRoles, s.OverrideRoles(ctx, creds))
}

func (s *Service) check(ctx context.Context, creds erpnext.Credentials, req Request, date time.Time) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	candidates, err := s.repo.FindCoveringPeriods(ctx, creds, req.Company, date)
	if err != nil {
		return Decision{}, s.lookupFailed(err, slog.String("company", req.Company), slog.String("posting_date", req.PostingDate))
	}
	matches := make([]Period, 0, len(candidates))
	for _, p := range candidates {
		if (p.Company == "" || p.Company == req.Company) && p.Covers(date) {
			matches = append(matches, p)
		}
	}
	period, overlap := selectPeriod(matches)
	if overlap {
		s.logger.Warn("overlapping accounting periods",
			slog.String("company", req.Company),
			slog.String("posting_date", req.PostingDate),
			slog.Int("matches", len(matches)),
			slog.String("selected", period.Name),
		)
		if s.observer != nil {
			s.observer.ObservePeriodOverlap()
		}
	}

	if period != nil && period.Status == PeriodStatusClosed {
		full, err := s.repo.GetPeriod(ctx, creds, period.Name)
		if err != nil {
			return Decision{}, s.lookupFailed(err, slog.String("company", req.Company), slog.String("posting_date", req.PostingDate))
		}
		period = &full
	}

	decision := Decide(period, req.DocType)
	decision.Overlap = overlap
	s.observe(decisionOutcome(decision))
	if !decision.Allowed {
		s.logger.Info("transaction restricted",
			slog.String("company", req.Company),
			slog.String("doctype", req.DocType),
			slog.String("docname", req.DocName),
			slog.String("period", decision.Period.Name),
			slog.String("user", req.User),
		)
	}
	return decision, nil
}

func (s *Service) lookupFailed(err error, attrs ...any) error {
	s.observe(OutcomeLookupFailed)
	s.logger.Warn("accounting period lookup failed", append(attrs, slog.Any("error", err))...)
	if errors.Is(err, erpnext.ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%w: %w", shared.ErrLookupFailed, err)
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveDecision(outcome)
	}
}

// Decide applies the restriction rules to the covering period, if any.
// No period fails open; an explicitly closed period fails closed.
func Decide(period *Period, doctype string) Decision {
	if period == nil {
		return Decision{Allowed: true, Reason: ReasonNoPeriod}
	}
	switch period.Status {
	case PeriodStatusOpen:
		return Decision{Allowed: true, Period: period, Reason: ReasonOpen}
	case PeriodStatusClosed:
		if period.Exempts(doctype) {
			return Decision{Allowed: true, Period: period, Reason: ReasonExempted}
		}
		return Decision{Period: period, Reason: reasonClosed(*period), RequiresLogging: true}
	default:
		return Decision{Period: period, Reason: reasonPermanentlyClosed(*period), RequiresLogging: true}
	}
}

// selectPeriod picks the shortest covering period, then the most recently
// created one. overlap reports whether a tie-break was needed.
func selectPeriod(matches []Period) (*Period, bool) {
	if len(matches) == 0 {
		return nil, false
	}
	best := matches[0]
	for _, p := range matches[1:] {
		switch {
		case p.Span() < best.Span():
			best = p
		case p.Span() == best.Span() && p.CreatedAt.After(best.CreatedAt):
			best = p
		}
	}
	return &best, len(matches) > 1
}

func decisionOutcome(d Decision) string {
	switch {
	case !d.Allowed:
		return OutcomeDenied
	case d.Period == nil:
		return OutcomeNoPeriod
	case d.Reason == ReasonExempted:
		return OutcomeExempted
	default:
		return OutcomeOpen
	}
}

func hasAnyRole(userRoles, allowed []string) bool {
	for _, role := range userRoles {
		if slices.Contains(allowed, role) {
			return true
		}
	}
	return false
}
