package billing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/product"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeProvider implements Provider with the Stripe API.
type StripeProvider struct {
	subs      *subscription.Client
	customers *customer.Client
	products  *product.Client
}

// NewStripeProvider creates a provider client with its own backend. Retries
// are disabled: a failed call is surfaced once and the caller decides.
func NewStripeProvider(secretKey string, timeout time.Duration) (*StripeProvider, error) {
	key := strings.TrimSpace(secretKey)
	if key == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	})

	return &StripeProvider{
		subs:      &subscription.Client{B: backend, Key: key},
		customers: &customer.Client{B: backend, Key: key},
		products:  &product.Client{B: backend, Key: key},
	}, nil
}

func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		ListParams: stripe.ListParams{Context: ctx, Limit: stripe.Int64(100)},
		Customer:   stripe.String(customerID),
		Status:     stripe.String("all"),
	}

	var out []Subscription
	iter := p.subs.List(params)
	for iter.Next() {
		out = append(out, subscriptionFromStripe(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, &TransientProviderError{Op: "list subscriptions", Err: err}
	}
	return out, nil
}

func (p *StripeProvider) FindCustomersByEmail(ctx context.Context, email string) ([]Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	params := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Email:      stripe.String(email),
	}

	var out []Customer
	iter := p.customers.List(params)
	for iter.Next() {
		c := iter.Customer()
		if c == nil || c.Deleted {
			continue
		}
		out = append(out, Customer{ID: c.ID, Email: c.Email})
	}
	if err := iter.Err(); err != nil {
		return nil, &TransientProviderError{Op: "list customers", Err: err}
	}
	return out, nil
}

// GetCustomer returns nil without error when the customer does not exist.
func (p *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	c, err := p.customers.Get(customerID, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		if isStripeNotFound(err) {
			return nil, nil
		}
		return nil, &TransientProviderError{Op: "get customer", Err: err}
	}
	if c.Deleted {
		return nil, nil
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProvider) GetProduct(ctx context.Context, productID string) (*Product, error) {
	pr, err := p.products.Get(productID, &stripe.ProductParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		if isStripeNotFound(err) {
			return nil, nil
		}
		return nil, &TransientProviderError{Op: "get product", Err: err}
	}
	return &Product{ID: pr.ID, Name: pr.Name}, nil
}

func isStripeNotFound(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

// subscriptionFromStripe keeps the first priced item; subscriptions here carry
// one plan item each.
func subscriptionFromStripe(s *stripe.Subscription) Subscription {
	out := Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if s.Created > 0 {
		out.Created = time.Unix(s.Created, 0).UTC()
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items == nil {
		return out
	}
	for _, item := range s.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		out.PriceID = item.Price.ID
		out.UnitAmount = item.Price.UnitAmount
		if item.Price.Recurring != nil {
			out.Interval = normalizeInterval(string(item.Price.Recurring.Interval))
		}
		if item.Price.Product != nil {
			out.ProductID = item.Price.Product.ID
			out.ProductName = item.Price.Product.Name
		}
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &end
		}
		break
	}
	return out
}
