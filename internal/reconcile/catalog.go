package reconcile

import (
	"github.com/promptsmith/backend/internal/config"
	"github.com/promptsmith/backend/internal/models"
)

const (
	KindOneTime      = "one_time"
	KindSubscription = "subscription"
)

// Catalog resolves gateway product ids to what a purchase grants.
type Catalog struct {
	products map[string]config.Product
}

func NewCatalog(products []config.Product) *Catalog {
	c := &Catalog{products: make(map[string]config.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *Catalog) Lookup(productID string) (config.Product, bool) {
	p, ok := c.products[productID]
	return p, ok
}

// SubscriptionPlan returns the plan a subscription product grants.
func (c *Catalog) SubscriptionPlan(productID string) (models.Plan, bool) {
	p, ok := c.products[productID]
	if !ok || p.Kind != KindSubscription {
		return "", false
	}
	plan := models.Plan(p.Plan)
	return plan, plan.Unmetered()
}
