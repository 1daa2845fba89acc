package billingtest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
)

// EventPayload builds a provider event body around data.object.
func EventPayload(id, eventType string, object interface{}) []byte {
	obj, err := json.Marshal(object)
	if err != nil {
		panic(err)
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"livemode":    false,
		"api_version": "2025-03-31.basil",
		"data":        map[string]json.RawMessage{"object": obj},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// NewEvent builds a verified event value without signing.
func NewEvent(id, eventType string, object interface{}) *billing.Event {
	payload := EventPayload(id, eventType, object)
	obj, _ := json.Marshal(object)
	return &billing.Event{ID: id, Type: eventType, Created: time.Now().UTC(), Object: obj, Payload: payload}
}

// Sign returns a signature header for payload in the provider's scheme.
func Sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// SubscriptionObject is the data.object of a customer.subscription.* event.
func SubscriptionObject(id, customerID, status, priceID string, periodEnd time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"object":   "subscription",
		"customer": customerID,
		"status":   status,
		"created":  time.Now().Unix(),
		"items": map[string]interface{}{
			"object": "list",
			"data": []map[string]interface{}{{
				"id":                 "si_" + id,
				"current_period_end": periodEnd.Unix(),
				"price": map[string]interface{}{
					"id":          priceID,
					"unit_amount": 900,
					"product":     "prod_" + priceID,
					"recurring":   map[string]interface{}{"interval": "month"},
				},
			}},
		},
	}
}

// InvoiceObject is the data.object of an invoice.* event.
func InvoiceObject(id, customerID, subscriptionID string) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"object":       "invoice",
		"customer":     customerID,
		"subscription": subscriptionID,
	}
}

// CheckoutObject is the data.object of a checkout.session.completed event.
func CheckoutObject(id, customerID, email, clientRef string) map[string]interface{} {
	return map[string]interface{}{
		"id":                  id,
		"object":              "checkout.session",
		"customer":            customerID,
		"customer_details":    map[string]interface{}{"email": email},
		"client_reference_id": clientRef,
		"mode":                "subscription",
		"payment_status":      "paid",
	}
}
