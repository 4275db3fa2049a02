package periods

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batasku/erpgate/internal/accounting/shared"
	"github.com/batasku/erpgate/internal/audit"
	"github.com/batasku/erpgate/internal/erpnext"
	"github.com/batasku/erpgate/internal/platform/httpx"
)

var tokenCreds = erpnext.Credentials{APIKey: "k", APISecret: "s"}

type fakeRepo struct {
	periods   []Period
	details   map[string]Period
	config    ClosingConfig
	listErr   error
	getErr    error
	configErr error
	session   SessionUser
	sessErr   error
	block     bool

	listCalls   atomic.Int32
	getCalls    atomic.Int32
	configCalls atomic.Int32
	sessCalls   atomic.Int32
}

func (f *fakeRepo) FindCoveringPeriods(ctx context.Context, creds erpnext.Credentials, company string, date time.Time) ([]Period, error) {
	f.listCalls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.periods, nil
}

func (f *fakeRepo) GetPeriod(ctx context.Context, creds erpnext.Credentials, name string) (Period, error) {
	f.getCalls.Add(1)
	if f.getErr != nil {
		return Period{}, f.getErr
	}
	if p, ok := f.details[name]; ok {
		return p, nil
	}
	for _, p := range f.periods {
		if p.Name == name {
			return p, nil
		}
	}
	return Period{}, &erpnext.APIError{Status: 404, Message: "not found"}
}

func (f *fakeRepo) GetClosingConfig(ctx context.Context, creds erpnext.Credentials) (ClosingConfig, error) {
	f.configCalls.Add(1)
	return f.config, f.configErr
}

func (f *fakeRepo) SessionUser(ctx context.Context, creds erpnext.Credentials) (SessionUser, error) {
	f.sessCalls.Add(1)
	return f.session, f.sessErr
}

type fakeObserver struct {
	mu       sync.Mutex
	outcomes []string
	overlaps int
}

func (o *fakeObserver) ObserveDecision(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *fakeObserver) ObservePeriodOverlap() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overlaps++
}

type fakeAuditor struct {
	entries []audit.Entry
	err     error
}

func (a *fakeAuditor) Record(ctx context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return a.err
}

func day(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func januaryPeriod(status PeriodStatus, exempt ...string) Period {
	return Period{
		Name:           "AP-2024-01",
		PeriodName:     "January 2024",
		Company:        "ACME",
		StartDate:      day("2024-01-01"),
		EndDate:        day("2024-01-31"),
		Status:         status,
		ExemptDocTypes: exempt,
	}
}

func request(date, doctype string) Request {
	return Request{Company: "ACME", PostingDate: date, DocType: doctype, User: "jane@acme.test"}
}

func newTestService(repo Repository) *Service {
	return NewService(repo, ServiceConfig{
		OverrideRoles: []string{"System Manager", "Accounts Manager"},
		LookupTimeout: time.Second,
	})
}

func TestCheckRestrictionAllowsWhenNoPeriodCovers(t *testing.T) {
	svc := newTestService(&fakeRepo{})

	for _, doctype := range []string{"Sales Invoice", "Journal Entry", "Payment Entry"} {
		decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2023-06-10", doctype))

		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Nil(t, decision.Period)
		assert.Equal(t, ReasonNoPeriod, decision.Reason)
		assert.False(t, decision.RequiresLogging)
	}
}

func TestCheckRestrictionDeniesClosedPeriod(t *testing.T) {
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}}
	svc := newTestService(repo)

	decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-15", "Sales Invoice"))

	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.NotNil(t, decision.Period)
	assert.Equal(t, "AP-2024-01", decision.Period.Name)
	assert.Equal(t, "period closed for 2024-01-01 to 2024-01-31", decision.Reason)
	assert.True(t, decision.RequiresLogging)
	assert.Equal(t, int32(1), repo.getCalls.Load())
}

func TestCheckRestrictionHonoursExemptions(t *testing.T) {
	summary := januaryPeriod(PeriodStatusClosed)
	repo := &fakeRepo{
		periods: []Period{summary},
		details: map[string]Period{summary.Name: januaryPeriod(PeriodStatusClosed, "Sales Invoice")},
	}
	svc := newTestService(repo)

	decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-15", "Sales Invoice"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "exempted")
	assert.False(t, decision.RequiresLogging)

	decision, err = svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-15", "Journal Entry"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestCheckRestrictionOpenPeriodAlwaysPasses(t *testing.T) {
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusOpen)}}
	svc := newTestService(repo)

	for _, doctype := range []string{"Sales Invoice", "Journal Entry", "Stock Entry"} {
		decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-20", doctype))

		require.NoError(t, err)
		assert.True(t, decision.Allowed, doctype)
		require.NotNil(t, decision.Period)
		assert.Equal(t, ReasonOpen, decision.Reason)
	}
	assert.Zero(t, repo.getCalls.Load())
}

func TestCheckRestrictionBoundariesAreInclusive(t *testing.T) {
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}}
	svc := newTestService(repo)

	for _, date := range []string{"2024-01-01", "2024-01-31"} {
		decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request(date, "Sales Invoice"))

		require.NoError(t, err)
		assert.False(t, decision.Allowed, date)
		assert.NotNil(t, decision.Period, date)
	}
}

func TestCheckRestrictionIgnoresLooselyMatchedPeriods(t *testing.T) {
	other := januaryPeriod(PeriodStatusClosed)
	other.Company = "Other Co"
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed), other}}
	svc := newTestService(repo)

	decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-02-01", "Sales Invoice"))

	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.Period)
}

func TestCheckRestrictionRejectsMalformedInputBeforeLookup(t *testing.T) {
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}}
	svc := newTestService(repo)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{name: "day first date", req: request("15-01-2024", "Sales Invoice"), field: "posting_date"},
		{name: "impossible date", req: request("2024-02-30", "Sales Invoice"), field: "posting_date"},
		{name: "missing company", req: Request{PostingDate: "2024-01-15", DocType: "Sales Invoice"}, field: "company"},
		{name: "missing doctype", req: Request{Company: "ACME", PostingDate: "2024-01-15"}, field: "doctype"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CheckRestriction(context.Background(), tokenCreds, tt.req)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.ErrorIs(t, err, httpx.ErrValidation)
			require.NotEmpty(t, verr.Fields)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}
	assert.Zero(t, repo.listCalls.Load())
}

func TestCheckRestrictionRequiresCredentials(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestService(repo)

	_, err := svc.CheckRestriction(context.Background(), erpnext.Credentials{}, request("2024-01-15", "Sales Invoice"))

	assert.ErrorIs(t, err, erpnext.ErrUnauthorized)
	assert.Zero(t, repo.listCalls.Load())
}

func TestCheckRestrictionLookupFailureIsNotPermissive(t *testing.T) {
	tests := []struct {
		name string
		repo *fakeRepo
	}{
		{name: "list fails", repo: &fakeRepo{listErr: errors.New("connection refused")}},
		{name: "malformed list", repo: &fakeRepo{listErr: erpnext.ErrMalformedResponse}},
		{name: "detail fails", repo: &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}, getErr: &erpnext.APIError{Status: 502, Message: "bad gateway"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observer := &fakeObserver{}
			svc := NewService(tt.repo, ServiceConfig{LookupTimeout: time.Second, Observer: observer})

			decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-15", "Sales Invoice"))

			assert.ErrorIs(t, err, shared.ErrLookupFailed)
			assert.False(t, decision.Allowed)
			assert.Equal(t, []string{OutcomeLookupFailed}, observer.outcomes)
		})
	}
}

func TestCheckRestrictionTimeoutIsLookupFailure(t *testing.T) {
	svc := NewService(&fakeRepo{block: true}, ServiceConfig{LookupTimeout: 20 * time.Millisecond})

	decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-15", "Sales Invoice"))

	assert.ErrorIs(t, err, shared.ErrLookupFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, decision.Allowed)
}

func TestCheckRestrictionPermanentlyClosedIgnoresExemptions(t *testing.T) {
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusPermanentlyClosed, "Sales Invoice")}}
	svc := newTestService(repo)

	decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-15", "Sales Invoice"))

	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "period permanently closed for 2024-01-01 to 2024-01-31", decision.Reason)
	assert.True(t, decision.RequiresLogging)
}

func TestSelectPeriodPrefersShortestThenNewest(t *testing.T) {
	quarter := Period{Name: "Q1", StartDate: day("2024-01-01"), EndDate: day("2024-03-31"), Status: PeriodStatusOpen}
	monthOld := Period{Name: "JAN-A", StartDate: day("2024-01-01"), EndDate: day("2024-01-31"), Status: PeriodStatusOpen, CreatedAt: day("2023-12-01")}
	monthNew := Period{Name: "JAN-B", StartDate: day("2024-01-01"), EndDate: day("2024-01-31"), Status: PeriodStatusOpen, CreatedAt: day("2023-12-15")}

	got, overlap := selectPeriod([]Period{quarter, monthOld, monthNew})
	require.NotNil(t, got)
	assert.True(t, overlap)
	assert.Equal(t, "JAN-B", got.Name)

	got, overlap = selectPeriod([]Period{monthOld})
	assert.False(t, overlap)
	assert.Equal(t, "JAN-A", got.Name)

	got, overlap = selectPeriod(nil)
	assert.Nil(t, got)
	assert.False(t, overlap)
}

func TestCheckRestrictionFlagsOverlap(t *testing.T) {
	quarter := Period{Name: "Q1", Company: "ACME", StartDate: day("2024-01-01"), EndDate: day("2024-03-31"), Status: PeriodStatusOpen}
	repo := &fakeRepo{periods: []Period{quarter, januaryPeriod(PeriodStatusClosed)}}
	observer := &fakeObserver{}
	svc := NewService(repo, ServiceConfig{LookupTimeout: time.Second, Observer: observer})

	decision, err := svc.CheckRestriction(context.Background(), tokenCreds, request("2024-01-15", "Sales Invoice"))

	require.NoError(t, err)
	assert.True(t, decision.Overlap)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "AP-2024-01", decision.Period.Name)
	assert.Equal(t, 1, observer.overlaps)
	assert.Equal(t, []string{OutcomeDenied}, observer.outcomes)
}

func TestRestrictionInfoCanOverride(t *testing.T) {
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}}
	svc := newTestService(repo)

	req := request("2024-01-15", "Sales Invoice")
	req.UserRoles = []string{"Accounts User", "Accounts Manager"}
	info, err := svc.RestrictionInfo(context.Background(), tokenCreds, req)
	require.NoError(t, err)
	assert.True(t, info.Restricted)
	assert.False(t, info.Allowed)
	assert.True(t, info.CanOverride)

	req.UserRoles = []string{"Accounts User"}
	info, err = svc.RestrictionInfo(context.Background(), tokenCreds, req)
	require.NoError(t, err)
	assert.False(t, info.CanOverride)
	assert.Zero(t, repo.configCalls.Load())
}

func TestRestrictionInfoUsesERPReopenRole(t *testing.T) {
	repo := &fakeRepo{
		periods: []Period{januaryPeriod(PeriodStatusClosed)},
		config:  ClosingConfig{ReopenRole: "Finance Controller"},
	}
	svc := NewService(repo, ServiceConfig{
		OverrideRoles:   []string{"System Manager"},
		OverrideFromERP: true,
		LookupTimeout:   time.Second,
	})

	req := request("2024-01-15", "Sales Invoice")
	req.UserRoles = []string{"Finance Controller"}
	info, err := svc.RestrictionInfo(context.Background(), tokenCreds, req)

	require.NoError(t, err)
	assert.True(t, info.CanOverride)
	assert.Equal(t, int32(1), repo.configCalls.Load())
}

func TestRestrictionInfoConfigFailureFallsBackToConfiguredRoles(t *testing.T) {
	repo := &fakeRepo{
		periods:   []Period{januaryPeriod(PeriodStatusClosed)},
		configErr: errors.New("doctype not found"),
	}
	svc := NewService(repo, ServiceConfig{
		OverrideRoles:   []string{"System Manager"},
		OverrideFromERP: true,
		LookupTimeout:   time.Second,
	})

	req := request("2024-01-15", "Sales Invoice")
	req.UserRoles = []string{"System Manager"}
	info, err := svc.RestrictionInfo(context.Background(), tokenCreds, req)

	require.NoError(t, err)
	assert.True(t, info.CanOverride)
	assert.True(t, info.Restricted)
}

func TestRestrictionInfoPermanentlyClosedCannotBeOverridden(t *testing.T) {
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusPermanentlyClosed)}}
	svc := newTestService(repo)

	req := request("2024-01-15", "Sales Invoice")
	req.UserRoles = []string{"System Manager"}
	info, err := svc.RestrictionInfo(context.Background(), tokenCreds, req)

	require.NoError(t, err)
	assert.True(t, info.Restricted)
	assert.False(t, info.CanOverride)
}

func TestRestrictionInfoLookupFailure(t *testing.T) {
	svc := newTestService(&fakeRepo{listErr: errors.New("timeout")})

	_, err := svc.RestrictionInfo(context.Background(), tokenCreds, request("2024-01-15", "Sales Invoice"))

	assert.ErrorIs(t, err, shared.ErrLookupFailed)
}

func TestRecordRestrictedWritesBlockedEntry(t *testing.T) {
	auditor := &fakeAuditor{}
	svc := NewService(&fakeRepo{}, ServiceConfig{Auditor: auditor})
	period := januaryPeriod(PeriodStatusClosed)
	req := request("2024-01-15", "Sales Invoice")
	req.DocName = "SINV-0001"
	decision := Decide(&period, req.DocType)

	require.NoError(t, svc.RecordRestricted(context.Background(), req, decision))
	require.NoError(t, svc.RecordRestricted(context.Background(), req, Decide(nil, req.DocType)))

	require.Len(t, auditor.entries, 1)
	entry := auditor.entries[0]
	assert.Equal(t, audit.ActionTransactionModified, entry.Action)
	assert.True(t, entry.Action.Valid())
	assert.True(t, entry.IsBlocked())
	assert.Equal(t, audit.BlockedReason(decision.Reason), entry.Reason)
	assert.Equal(t, "AP-2024-01", entry.AccountingPeriod)
	assert.Equal(t, "SINV-0001", entry.AffectedTransaction)
	assert.Equal(t, "Sales Invoice", entry.TransactionDocType)
	assert.Equal(t, "jane@acme.test", entry.ActionBy)
}

func TestRecordRestrictedFallsBackToServiceUser(t *testing.T) {
	period := januaryPeriod(PeriodStatusPermanentlyClosed)
	req := request("2024-01-15", "Sales Invoice")
	req.User = ""

	t.Run("default", func(t *testing.T) {
		auditor := &fakeAuditor{}
		svc := NewService(&fakeRepo{}, ServiceConfig{Auditor: auditor})

		require.NoError(t, svc.RecordRestricted(context.Background(), req, Decide(&period, req.DocType)))

		require.Len(t, auditor.entries, 1)
		assert.Equal(t, "Administrator", auditor.entries[0].ActionBy)
	})

	t.Run("configured", func(t *testing.T) {
		auditor := &fakeAuditor{}
		svc := NewService(&fakeRepo{}, ServiceConfig{Auditor: auditor, ServiceUser: "erpgate@acme.test"})

		require.NoError(t, svc.RecordRestricted(context.Background(), req, Decide(&period, req.DocType)))

		require.Len(t, auditor.entries, 1)
		assert.Equal(t, "erpgate@acme.test", auditor.entries[0].ActionBy)
		assert.NoError(t, auditor.entries[0].Validate())
	})
}

func TestLogOverride(t *testing.T) {
	auditor := &fakeAuditor{}
	repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}}
	svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"Accounts Manager"}, Auditor: auditor})

	entry, err := svc.LogOverride(context.Background(), tokenCreds, OverrideRequest{
		Period:    "AP-2024-01",
		DocType:   "Journal Entry",
		DocName:   "JV-0009",
		User:      "boss@acme.test",
		UserRoles: []string{"Accounts Manager"},
		Action:    "update",
	})

	require.NoError(t, err)
	assert.Equal(t, audit.ActionTransactionModified, entry.Action)
	assert.Equal(t, "Administrator update Journal Entry JV-0009 in closed period January 2024", entry.Reason)
	assert.False(t, entry.ActionDate.IsZero())
	require.Len(t, auditor.entries, 1)
	assert.Equal(t, entry.ID, auditor.entries[0].ID)
}

func TestLogOverrideRejections(t *testing.T) {
	base := OverrideRequest{
		Period:    "AP-2024-01",
		DocType:   "Journal Entry",
		DocName:   "JV-0009",
		User:      "clerk@acme.test",
		UserRoles: []string{"Accounts User"},
		Action:    "update",
	}

	t.Run("role missing", func(t *testing.T) {
		auditor := &fakeAuditor{}
		repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}}
		svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"Accounts Manager"}, Auditor: auditor})

		_, err := svc.LogOverride(context.Background(), tokenCreds, base)

		assert.ErrorIs(t, err, shared.ErrOverrideNotPermitted)
		assert.Empty(t, auditor.entries)
		assert.Zero(t, repo.getCalls.Load())
	})

	t.Run("permanently closed", func(t *testing.T) {
		auditor := &fakeAuditor{}
		repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusPermanentlyClosed)}}
		svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"Accounts User"}, Auditor: auditor})

		_, err := svc.LogOverride(context.Background(), tokenCreds, base)

		assert.ErrorIs(t, err, shared.ErrOverrideNotPermitted)
		assert.Empty(t, auditor.entries)
	})

	t.Run("bad action", func(t *testing.T) {
		svc := NewService(&fakeRepo{}, ServiceConfig{Auditor: &fakeAuditor{}})
		req := base
		req.Action = "approve"

		_, err := svc.LogOverride(context.Background(), tokenCreds, req)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "action", verr.Fields[0].Field)
	})
}

func TestLogOverrideUsesSessionRoles(t *testing.T) {
	sessionCreds := erpnext.Credentials{APIKey: "k", APISecret: "s", SessionToken: "abc"}
	req := OverrideRequest{
		Period:    "AP-2024-01",
		DocType:   "Journal Entry",
		DocName:   "JV-0009",
		User:      "clerk@acme.test",
		UserRoles: []string{"System Manager"},
		Action:    "update",
	}

	t.Run("claimed role ignored", func(t *testing.T) {
		auditor := &fakeAuditor{}
		repo := &fakeRepo{
			periods: []Period{januaryPeriod(PeriodStatusClosed)},
			session: SessionUser{Name: "clerk@acme.test", Roles: []string{"Accounts User"}},
		}
		svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"System Manager"}, Auditor: auditor})

		_, err := svc.LogOverride(context.Background(), sessionCreds, req)

		assert.ErrorIs(t, err, shared.ErrOverrideNotPermitted)
		assert.Equal(t, int32(1), repo.sessCalls.Load())
		assert.Empty(t, auditor.entries)
	})

	t.Run("session role grants", func(t *testing.T) {
		auditor := &fakeAuditor{}
		repo := &fakeRepo{
			periods: []Period{januaryPeriod(PeriodStatusClosed)},
			session: SessionUser{Name: "boss@acme.test", Roles: []string{"System Manager"}},
		}
		svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"System Manager"}, Auditor: auditor})
		noClaims := req
		noClaims.UserRoles = nil

		entry, err := svc.LogOverride(context.Background(), sessionCreds, noClaims)

		require.NoError(t, err)
		assert.Equal(t, "boss@acme.test", entry.ActionBy)
	})

	t.Run("expired session", func(t *testing.T) {
		repo := &fakeRepo{sessErr: &erpnext.APIError{Status: http.StatusForbidden, Message: "Not permitted"}}
		svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"System Manager"}, Auditor: &fakeAuditor{}})

		_, err := svc.LogOverride(context.Background(), sessionCreds, req)

		assert.ErrorIs(t, err, erpnext.ErrUnauthorized)
	})

	t.Run("erp unreachable", func(t *testing.T) {
		repo := &fakeRepo{sessErr: errors.New("connection refused")}
		svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"System Manager"}, Auditor: &fakeAuditor{}})

		_, err := svc.LogOverride(context.Background(), sessionCreds, req)

		assert.ErrorIs(t, err, shared.ErrLookupFailed)
	})

	t.Run("token only keeps body roles", func(t *testing.T) {
		repo := &fakeRepo{periods: []Period{januaryPeriod(PeriodStatusClosed)}}
		svc := NewService(repo, ServiceConfig{OverrideRoles: []string{"System Manager"}, Auditor: &fakeAuditor{}})

		_, err := svc.LogOverride(context.Background(), tokenCreds, req)

		require.NoError(t, err)
		assert.Zero(t, repo.sessCalls.Load())
	})
}
