package periods

type periodDTO struct {
	Name       string `json:"name"`
	PeriodName string `json:"period_name"`
	Status     string `json:"status"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

type restrictionDTO struct {
	Allowed         bool       `json:"allowed"`
	Restricted      bool       `json:"restricted"`
	Period          *periodDTO `json:"period"`
	Reason          string     `json:"reason"`
	RequiresLogging bool       `json:"requiresLogging"`
	CanOverride     bool       `json:"canOverride"`
}

type overrideLogDTO struct {
	ID               string `json:"id"`
	AccountingPeriod string `json:"accounting_period"`
	ActionType       string `json:"action_type"`
	ActionDate       string `json:"action_date"`
	Reason           string `json:"reason"`
}

func newRestrictionDTO(info Info) restrictionDTO {
	dto := restrictionDTO{
		Allowed:         info.Allowed,
		Restricted:      info.Restricted,
		Reason:          info.Reason,
		RequiresLogging: info.RequiresLogging,
		CanOverride:     info.CanOverride,
	}
	if p := info.Period; p != nil {
		dto.Period = &periodDTO{
			Name:       p.Name,
			PeriodName: p.PeriodName,
			Status:     string(p.Status),
			StartDate:  p.StartDate.Format(DateLayout),
			EndDate:    p.EndDate.Format(DateLayout),
		}
	}
	return dto
}
