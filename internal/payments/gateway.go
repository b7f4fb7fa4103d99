package payments

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/promptsmith/backend/internal/config"
	"github.com/promptsmith/backend/internal/reconcile"
)

// CheckoutInput describes one hosted checkout to open for a user.
type CheckoutInput struct {
	UserID     uuid.UUID
	Email      string
	CustomerID string
	Product    config.Product
	Quantity   int
	SuccessURL string
	CancelURL  string
}

// Gateway is the payment provider surface the handlers use.
type Gateway interface {
	CreateCheckout(ctx context.Context, in CheckoutInput) (string, error)
	CreatePortal(ctx context.Context, customerID, returnURL string) (string, error)
}

type StripeGateway struct {
	api      *client.API
	currency string
}

func NewStripeGateway(secretKey, currency string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil), currency: currency}
}

var _ Gateway = (*StripeGateway)(nil)

// CreateCheckout opens a checkout session. The user, product and quantity travel as
// metadata so the completion event can be reconciled without a lookup; subscriptions
// carry the same metadata so their later lifecycle events do too.
func (g *StripeGateway) CreateCheckout(ctx context.Context, in CheckoutInput) (string, error) {
	meta := map[string]string{
		"user_id":    in.UserID.String(),
		"product_id": in.Product.ID,
		"quantity":   strconv.Itoa(in.Quantity),
	}
	price := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency: stripe.String(g.currency),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(in.Product.Name),
		},
		UnitAmount: stripe.Int64(in.Product.UnitAmount),
	}
	if in.Product.Description != "" {
		price.ProductData.Description = stripe.String(in.Product.Description)
	}
	params := &stripe.CheckoutSessionParams{
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: price,
			Quantity:  stripe.Int64(int64(in.Quantity)),
		}},
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		ClientReferenceID: stripe.String(in.UserID.String()),
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	switch in.Product.Kind {
	case reconcile.KindSubscription:
		price.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(in.Product.Interval),
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	default:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		if in.CustomerID == "" {
			params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
		}
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else if in.Email != "" {
		params.CustomerEmail = stripe.String(in.Email)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (g *StripeGateway) CreatePortal(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}
