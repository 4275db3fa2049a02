package shared

import "errors"

var (
	// ErrLookupFailed indicates the period data could not be fetched or parsed.
	// It never means "no period found".
	ErrLookupFailed = errors.New("accounting: period lookup failed")
	// ErrUnknownPeriodStatus indicates a period status outside the known set.
	ErrUnknownPeriodStatus = errors.New("accounting: unknown period status")
	// ErrOverrideNotPermitted indicates the user lacks an override-capable role.
	ErrOverrideNotPermitted = errors.New("accounting: override not permitted")
)
