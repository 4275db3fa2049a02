package periods

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/batasku/erpgate/internal/accounting/shared"
	"github.com/batasku/erpgate/internal/erpnext"
)

const (
	doctypeAccountingPeriod  = "Accounting Period"
	doctypePeriodClosingConf = "Period Closing Config"
	doctypeUser              = "User"
	methodLoggedUser         = "frappe.auth.get_logged_user"
	// coveringLimit leaves room to notice overlapping periods.
	coveringLimit = 20
)

// Repository reads accounting period state from the ERP. Nothing is cached:
// every call reflects the current external status.
type Repository interface {
	FindCoveringPeriods(ctx context.Context, creds erpnext.Credentials, company string, date time.Time) ([]Period, error)
	GetPeriod(ctx context.Context, creds erpnext.Credentials, name string) (Period, error)
	GetClosingConfig(ctx context.Context, creds erpnext.Credentials) (ClosingConfig, error)
	SessionUser(ctx context.Context, creds erpnext.Credentials) (SessionUser, error)
}

// ERPClient is the subset of *erpnext.Client the repository needs.
type ERPClient interface {
	GetList(ctx context.Context, creds erpnext.Credentials, doctype string, opts erpnext.ListOptions, dest any) error
	GetDoc(ctx context.Context, creds erpnext.Credentials, doctype, name string, dest any) error
	Call(ctx context.Context, creds erpnext.Credentials, method string, dest any) error
}

type repository struct {
	erp ERPClient
}

// NewRepository returns an ERP-backed Repository.
func NewRepository(erp ERPClient) Repository {
	return &repository{erp: erp}
}

type closedDocumentRecord struct {
	DocumentType string `json:"document_type"`
	Closed       int    `json:"closed"`
}

type periodRecord struct {
	Name            string                 `json:"name"`
	PeriodName      string                 `json:"period_name"`
	Company         string                 `json:"company"`
	StartDate       string                 `json:"start_date"`
	EndDate         string                 `json:"end_date"`
	Status          string                 `json:"status"`
	Creation        string                 `json:"creation"`
	ClosedDocuments []closedDocumentRecord `json:"closed_documents"`
}

type closingConfigRecord struct {
	ReopenRole string `json:"reopen_role"`
}

type userRecord struct {
	Roles []struct {
		Role string `json:"role"`
	} `json:"roles"`
}

// FindCoveringPeriods lists periods of company whose interval contains date.
func (r *repository) FindCoveringPeriods(ctx context.Context, creds erpnext.Credentials, company string, date time.Time) ([]Period, error) {
	day := date.Format(DateLayout)
	var records []periodRecord
	err := r.erp.GetList(ctx, creds, doctypeAccountingPeriod, erpnext.ListOptions{
		Filters: []erpnext.Filter{
			{Field: "company", Operator: "=", Value: company},
			{Field: "start_date", Operator: "<=", Value: day},
			{Field: "end_date", Operator: ">=", Value: day},
		},
		Fields:  []string{"name", "period_name", "company", "start_date", "end_date", "status", "creation"},
		OrderBy: "creation desc",
		Limit:   coveringLimit,
	}, &records)
	if err != nil {
		return nil, err
	}
	periods := make([]Period, 0, len(records))
	for _, rec := range records {
		p, err := rec.toPeriod()
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, nil
}

// GetPeriod loads one period including its per-doctype closing rows.
func (r *repository) GetPeriod(ctx context.Context, creds erpnext.Credentials, name string) (Period, error) {
	var rec periodRecord
	if err := r.erp.GetDoc(ctx, creds, doctypeAccountingPeriod, name, &rec); err != nil {
		return Period{}, err
	}
	return rec.toPeriod()
}

// GetClosingConfig loads the ERP's period closing singleton.
func (r *repository) GetClosingConfig(ctx context.Context, creds erpnext.Credentials) (ClosingConfig, error) {
	var rec closingConfigRecord
	if err := r.erp.GetDoc(ctx, creds, doctypePeriodClosingConf, doctypePeriodClosingConf, &rec); err != nil {
		return ClosingConfig{}, err
	}
	return ClosingConfig{ReopenRole: strings.TrimSpace(rec.ReopenRole)}, nil
}

// SessionUser resolves the user and roles behind creds.SessionToken. The
// session alone identifies the user; the roles are read with whichever
// credentials creds resolves to.
func (r *repository) SessionUser(ctx context.Context, creds erpnext.Credentials) (SessionUser, error) {
	if creds.SessionToken == "" {
		return SessionUser{}, erpnext.ErrUnauthorized
	}
	var name string
	if err := r.erp.Call(ctx, erpnext.Credentials{SessionToken: creds.SessionToken}, methodLoggedUser, &name); err != nil {
		return SessionUser{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "Guest" {
		return SessionUser{}, erpnext.ErrUnauthorized
	}
	var rec userRecord
	if err := r.erp.GetDoc(ctx, creds, doctypeUser, name, &rec); err != nil {
		return SessionUser{}, err
	}
	user := SessionUser{Name: name}
	for _, row := range rec.Roles {
		if role := strings.TrimSpace(row.Role); role != "" {
			user.Roles = append(user.Roles, role)
		}
	}
	return user, nil
}

func (rec periodRecord) toPeriod() (Period, error) {
	start, err := time.Parse(DateLayout, rec.StartDate)
	if err != nil {
		return Period{}, fmt.Errorf("%w: period %q start_date %q", erpnext.ErrMalformedResponse, rec.Name, rec.StartDate)
	}
	end, err := time.Parse(DateLayout, rec.EndDate)
	if err != nil {
		return Period{}, fmt.Errorf("%w: period %q end_date %q", erpnext.ErrMalformedResponse, rec.Name, rec.EndDate)
	}
	status := PeriodStatus(rec.Status)
	if !status.Valid() {
		return Period{}, fmt.Errorf("%w: period %q status %q", shared.ErrUnknownPeriodStatus, rec.Name, rec.Status)
	}
	p := Period{
		Name:       rec.Name,
		PeriodName: rec.PeriodName,
		Company:    rec.Company,
		StartDate:  start,
		EndDate:    end,
		Status:     status,
		CreatedAt:  parseCreation(rec.Creation),
	}
	// A row with closed unset keeps that doctype postable in a Closed period.
	for _, doc := range rec.ClosedDocuments {
		if doc.DocumentType != "" && doc.Closed == 0 {
			p.ExemptDocTypes = append(p.ExemptDocTypes, doc.DocumentType)
		}
	}
	return p, nil
}

// Frappe timestamps carry microseconds without a zone. Only used for
// tie-breaks, so an unparseable value degrades to the zero time.
func parseCreation(raw string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05.999999", "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
