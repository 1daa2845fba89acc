package billing

import (
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader is the header carrying the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// VerifyWebhook checks the provider signature over the raw request body and
// returns the parsed event. Nothing downstream runs unless this succeeds.
// An empty secret is a configuration fault and always rejects.
func VerifyWebhook(payload []byte, signatureHeader, secret string) (*Event, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrWebhookSecretNotConfigured
	}
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return nil, ErrMissingSignature
	}

	// API version differences are tolerated: objects are decoded into local
	// structs that only read stable fields.
	evt, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &AuthenticityError{Reason: "signature verification failed", Err: err}
	}
	if evt.ID == "" {
		return nil, &AuthenticityError{Reason: "event has no id"}
	}

	return eventFromStripe(evt, payload), nil
}

func eventFromStripe(evt stripe.Event, payload []byte) *Event {
	out := &Event{
		ID:       evt.ID,
		Type:     string(evt.Type),
		Livemode: evt.Livemode,
		Payload:  payload,
	}
	if evt.Created > 0 {
		out.Created = time.Unix(evt.Created, 0).UTC()
	}
	if evt.Data != nil {
		out.Object = evt.Data.Raw
	}
	return out
}
