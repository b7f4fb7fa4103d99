package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan is the billing tier of a user.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPayAsYouGo Plan = "pay-as-you-go"
	PlanMonthly    Plan = "monthly"
	PlanAnnual     Plan = "annual"
)

// Credit allotments per plan.
const (
	StarterCredits   = 5
	FreeTierCredits  = 5
	MonthlyAllotment = 60
	// UnboundedCredits is the balance stored for Annual subscribers. It is never decremented.
	UnboundedCredits = 999999
)

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPayAsYouGo, PlanMonthly, PlanAnnual:
		return true
	}
	return false
}

// Unmetered reports whether deductions are skipped for the plan.
func (p Plan) Unmetered() bool {
	return p == PlanMonthly || p == PlanAnnual
}

// Allotment is the balance a plan resets to at the start of a billing cycle.
func (p Plan) Allotment() int {
	switch p {
	case PlanMonthly:
		return MonthlyAllotment
	case PlanAnnual:
		return UnboundedCredits
	default:
		return FreeTierCredits
	}
}

type Entitlement struct {
	UserID            uuid.UUID  `json:"user_id"`
	Plan              Plan       `json:"plan"`
	Credits           int        `json:"credits"`
	Usage             int        `json:"usage"`
	Quota             *int       `json:"quota"`
	BillingCustomerID *string    `json:"-"`
	PlanEventAt       *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsPlanActive mirrors what clients show as "subscribed".
func (e *Entitlement) IsPlanActive() bool {
	return e.Plan.Unmetered()
}
