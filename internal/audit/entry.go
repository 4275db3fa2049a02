// Package audit records transaction attempts against restricted accounting
// periods.
package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action mirrors the action_type options of the ERP Period Closing Log. The
// ERP rejects any other value.
type Action string

const (
	ActionCreated             Action = "Created"
	ActionClosed              Action = "Closed"
	ActionReopened            Action = "Reopened"
	ActionPermanentlyClosed   Action = "Permanently Closed"
	ActionTransactionModified Action = "Transaction Modified"
)

// Valid reports whether the ERP accepts a.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionClosed, ActionReopened, ActionPermanentlyClosed, ActionTransactionModified:
		return true
	}
	return false
}

// BlockedReasonPrefix marks a Transaction Modified entry as a rejected attempt.
const BlockedReasonPrefix = "Blocked: "

// BlockedReason formats the reason of a rejected attempt.
func BlockedReason(reason string) string {
	return BlockedReasonPrefix + reason
}

// IsBlocked reports whether the entry records a rejected attempt rather than
// an administrator override.
func (e Entry) IsBlocked() bool {
	return e.Action == ActionTransactionModified && strings.HasPrefix(e.Reason, BlockedReasonPrefix)
}

// Entry is one audit record.
type Entry struct {
	ID                  uuid.UUID `json:"id"`
	AccountingPeriod    string    `json:"accounting_period"`
	Company             string    `json:"company,omitempty"`
	Action              Action    `json:"action_type"`
	ActionBy            string    `json:"action_by"`
	ActionDate          time.Time `json:"action_date"`
	Reason              string    `json:"reason,omitempty"`
	AffectedTransaction string    `json:"affected_transaction,omitempty"`
	TransactionDocType  string    `json:"transaction_doctype,omitempty"`
}

// Validate checks the fields every sink needs.
func (e Entry) Validate() error {
	if e.AccountingPeriod == "" {
		return errors.New("audit: accounting period required")
	}
	if !e.Action.Valid() {
		return fmt.Errorf("audit: unsupported action %q", e.Action)
	}
	if strings.TrimSpace(e.ActionBy) == "" {
		return errors.New("audit: action_by required")
	}
	if e.TransactionDocType == "" {
		return errors.New("audit: transaction doctype required")
	}
	return nil
}
