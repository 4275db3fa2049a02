package periods

import (
	"slices"
	"time"
)

// DateLayout is the calendar date format used on both sides of the gateway.
const DateLayout = "2006-01-02"

// PeriodStatus enumerates valid period states as reported by the ERP.
type PeriodStatus string

const (
	PeriodStatusOpen              PeriodStatus = "Open"
	PeriodStatusClosed            PeriodStatus = "Closed"
	PeriodStatusPermanentlyClosed PeriodStatus = "Permanently Closed"
)

// Valid reports whether the status is one the evaluator understands.
func (s PeriodStatus) Valid() bool {
	switch s {
	case PeriodStatusOpen, PeriodStatusClosed, PeriodStatusPermanentlyClosed:
		return true
	}
	return false
}

// Period represents an accounting period owned by the ERP.
type Period struct {
	Name       string
	PeriodName string
	Company    string
	StartDate  time.Time
	EndDate    time.Time
	Status     PeriodStatus
	// ExemptDocTypes lists document types still allowed while Closed.
	ExemptDocTypes []string
	CreatedAt      time.Time
}

// Covers reports whether date falls inside the inclusive period interval.
func (p Period) Covers(date time.Time) bool {
	return !date.Before(p.StartDate) && !date.After(p.EndDate)
}

// Span is the period length used to prefer the most specific period.
func (p Period) Span() time.Duration {
	return p.EndDate.Sub(p.StartDate)
}

// Exempts reports whether doctype may still be posted while the period is Closed.
func (p Period) Exempts(doctype string) bool {
	return slices.Contains(p.ExemptDocTypes, doctype)
}

// DateRange formats the period dates for human-readable reasons.
func (p Period) DateRange() string {
	return p.StartDate.Format(DateLayout) + " to " + p.EndDate.Format(DateLayout)
}

// Request is a transaction validation request. Built fresh per call.
type Request struct {
	Company     string   `json:"company" validate:"required"`
	PostingDate string   `json:"posting_date" validate:"required,datetime=2006-01-02"`
	DocType     string   `json:"doctype" validate:"required"`
	DocName     string   `json:"docname,omitempty"`
	User        string   `json:"user,omitempty"`
	UserRoles   []string `json:"userRoles,omitempty"`
}

// Decision is the allow/deny verdict for one request.
type Decision struct {
	Allowed bool
	// Period is nil when no period covers the posting date.
	Period          *Period
	Reason          string
	RequiresLogging bool
	// Overlap is set when several periods matched and a tie-break was applied.
	Overlap bool
}

// Info augments a decision with override eligibility for presentation.
type Info struct {
	Decision
	Restricted  bool
	CanOverride bool
}

// Reasons.
const (
	ReasonNoPeriod = "no covering period"
	ReasonOpen     = "period open"
	ReasonExempted = "doctype exempted for closed period"
)

func reasonClosed(p Period) string {
	return "period closed for " + p.DateRange()
}

func reasonPermanentlyClosed(p Period) string {
	return "period permanently closed for " + p.DateRange()
}

// ClosingConfig is the subset of the ERP Period Closing Config the gateway reads.
type ClosingConfig struct {
	ReopenRole string
}

// SessionUser is the ERP user behind a session cookie.
type SessionUser struct {
	Name  string
	Roles []string
}
