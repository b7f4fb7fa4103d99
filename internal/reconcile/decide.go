package reconcile

import (
	"fmt"

	"github.com/promptsmith/backend/internal/models"
	"github.com/promptsmith/backend/internal/repository"
)

// effect is the entitlement change one payment event calls for.
type effect struct {
	outcome   models.PaymentEventOutcome
	state     repository.PlanState
	entryType string
	delta     int
}

// decide computes the effect of ev on the locked entitlement cur. It does no I/O.
//
// Plan-defining events (subscription checkout, update, cancel) carry their occurrence
// time into plan_event_at; one older than the stored value is stale. Equal times apply.
// One-time purchases add credits on top of whatever plan is current and are never stale.
func decide(ev models.PaymentEvent, cur *models.Entitlement, catalog *Catalog) (effect, error) {
	eff := effect{outcome: models.OutcomeApplied}
	var customerID *string
	if ev.CustomerID != "" {
		customerID = &ev.CustomerID
	}

	switch ev.Type {
	case models.EventCheckoutCompleted:
		product, ok := catalog.Lookup(ev.ProductID)
		if !ok {
			return effect{outcome: models.OutcomeUnrecognizedProduct}, nil
		}
		if product.Kind == KindOneTime {
			qty := max(ev.Quantity, 1)
			plan := cur.Plan
			if plan == models.PlanFree {
				plan = models.PlanPayAsYouGo
			}
			eff.delta = qty * product.CreditsPerUnit
			eff.entryType = models.CreditEntryPurchase
			eff.state = repository.PlanState{Plan: plan, Credits: cur.Credits + eff.delta, CustomerID: customerID}
			return eff, nil
		}
		plan, ok := catalog.SubscriptionPlan(ev.ProductID)
		if !ok {
			return effect{outcome: models.OutcomeUnrecognizedProduct}, nil
		}
		return planDefining(ev, cur, plan, customerID), nil

	case models.EventSubscriptionUpdated:
		if ev.SubscriptionStatus != models.SubscriptionStatusActive {
			return planDefining(ev, cur, models.PlanFree, customerID), nil
		}
		plan, ok := catalog.SubscriptionPlan(ev.ProductID)
		if !ok {
			return effect{outcome: models.OutcomeUnrecognizedProduct}, nil
		}
		return planDefining(ev, cur, plan, customerID), nil

	case models.EventSubscriptionCanceled:
		return planDefining(ev, cur, models.PlanFree, customerID), nil
	}
	return effect{}, fmt.Errorf("unsupported payment event type %q", ev.Type)
}

func planDefining(ev models.PaymentEvent, cur *models.Entitlement, plan models.Plan, customerID *string) effect {
	if cur.PlanEventAt != nil && ev.OccurredAt.Before(*cur.PlanEventAt) {
		return effect{outcome: models.OutcomeStale}
	}
	at := ev.OccurredAt
	credits := plan.Allotment()
	return effect{
		outcome:   models.OutcomeApplied,
		state:     repository.PlanState{Plan: plan, Credits: credits, PlanEventAt: &at, CustomerID: customerID},
		entryType: models.CreditEntryPlanReset,
		delta:     credits - cur.Credits,
	}
}
