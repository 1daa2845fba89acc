package billing

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Event types routed by the handler registry.
const (
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionPaused       = "customer.subscription.paused"
	EventSubscriptionResumed      = "customer.subscription.resumed"
	EventSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
)

// expandableID reads a reference that the provider sends either as a bare id
// or as an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

func (e expandableID) String() string { return string(e) }

type subscriptionObject struct {
	ID               string       `json:"id"`
	Customer         expandableID `json:"customer"`
	Status           string       `json:"status"`
	Created          int64        `json:"created"`
	CurrentPeriodEnd int64        `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID         string       `json:"id"`
				UnitAmount int64        `json:"unit_amount"`
				Product    expandableID `json:"product"`
				Recurring  *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// toSubscription converts the payload object. Period end is read from the
// first item and falls back to the subscription level for older API versions.
func (o subscriptionObject) toSubscription() Subscription {
	s := Subscription{
		ID:         o.ID,
		CustomerID: o.Customer.String(),
		Status:     o.Status,
	}
	if o.Created > 0 {
		s.Created = time.Unix(o.Created, 0).UTC()
	}
	periodEnd := o.CurrentPeriodEnd
	if len(o.Items.Data) > 0 {
		item := o.Items.Data[0]
		s.PriceID = item.Price.ID
		s.UnitAmount = item.Price.UnitAmount
		s.ProductID = item.Price.Product.String()
		if item.Price.Recurring != nil {
			s.Interval = normalizeInterval(item.Price.Recurring.Interval)
		}
		if item.CurrentPeriodEnd > 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		s.CurrentPeriodEnd = &t
	}
	return s
}

type invoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (o invoiceObject) subscriptionID() string {
	if o.Subscription != "" {
		return o.Subscription.String()
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return o.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

type checkoutSessionObject struct {
	ID                string       `json:"id"`
	Customer          expandableID `json:"customer"`
	CustomerEmail     string       `json:"customer_email"`
	ClientReferenceID string       `json:"client_reference_id"`
	Subscription      expandableID `json:"subscription"`
	Mode              string       `json:"mode"`
	PaymentStatus     string       `json:"payment_status"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (o checkoutSessionObject) email() string {
	if o.CustomerDetails != nil && strings.TrimSpace(o.CustomerDetails.Email) != "" {
		return normalizeEmail(o.CustomerDetails.Email)
	}
	return normalizeEmail(o.CustomerEmail)
}

type paymentIntentObject struct {
	ID             string       `json:"id"`
	Customer       expandableID `json:"customer"`
	Amount         int64        `json:"amount"`
	AmountReceived int64        `json:"amount_received"`
	Currency       string       `json:"currency"`
	ReceiptEmail   string       `json:"receipt_email"`
}

func decodeObject(evt *Event, dst interface{}) error {
	if evt == nil || len(evt.Object) == 0 {
		return &PermanentError{Err: errEmptyEventObject}
	}
	if err := json.Unmarshal(evt.Object, dst); err != nil {
		return &PermanentError{Err: err}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
