package payments

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/promptsmith/backend/internal/models"
)

// Verifier authenticates gateway notifications and turns them into PaymentEvents.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Parse verifies the signature header over the exact payload bytes. handled is false
// for event types the engine does not consume; such events are acknowledged and dropped.
func (v *Verifier) Parse(payload []byte, signature string) (ev models.PaymentEvent, handled bool, err error) {
	if signature == "" || v.secret == "" {
		return ev, false, models.ErrWebhookVerification
	}
	se, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ev, false, fmt.Errorf("%w: %v", models.ErrWebhookVerification, err)
	}
	if se.Data == nil {
		return ev, false, fmt.Errorf("%w: event %s has no data", models.ErrWebhookVerification, se.ID)
	}

	ev = models.PaymentEvent{EventID: se.ID, OccurredAt: time.Unix(se.Created, 0).UTC()}
	switch string(se.Type) {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &sess); err != nil {
			return ev, false, fmt.Errorf("decode checkout session: %w", err)
		}
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return ev, false, nil
		}
		ev.Type = models.EventCheckoutCompleted
		ev.UserID = parseUserID(sess.Metadata["user_id"], sess.ClientReferenceID)
		ev.ProductID = sess.Metadata["product_id"]
		ev.Quantity = parseQuantity(sess.Metadata["quantity"])
		if sess.Customer != nil {
			ev.CustomerID = sess.Customer.ID
		}
		return ev, true, nil

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return ev, false, fmt.Errorf("decode subscription: %w", err)
		}
		ev.Type = models.EventSubscriptionUpdated
		if se.Type == "customer.subscription.deleted" {
			ev.Type = models.EventSubscriptionCanceled
		}
		ev.UserID = parseUserID(sub.Metadata["user_id"], "")
		ev.ProductID = subscriptionProduct(&sub)
		ev.Quantity = 1
		ev.SubscriptionStatus = string(sub.Status)
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		return ev, true, nil
	}
	return ev, false, nil
}

func parseUserID(candidates ...string) uuid.UUID {
	for _, c := range candidates {
		if id, err := uuid.Parse(c); err == nil {
			return id
		}
	}
	return uuid.Nil
}

func parseQuantity(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func subscriptionProduct(sub *stripe.Subscription) string {
	if id := sub.Metadata["product_id"]; id != "" {
		return id
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		if p := sub.Items.Data[0].Price; p != nil && p.Product != nil {
			return p.Product.ID
		}
	}
	return ""
}
