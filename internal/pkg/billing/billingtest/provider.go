package billingtest

import (
	"context"
	"strings"
	"sync"

	"github.com/ManuelReschke/PropDocs/internal/pkg/billing"
)

// Provider is an in-memory billing.Provider holding the "current truth".
type Provider struct {
	mu        sync.Mutex
	subs      map[string][]billing.Subscription
	customers []billing.Customer
	products  map[string]billing.Product

	// Err, when set, fails every call as a transient provider error.
	Err error

	ListCalls int
}

func NewProvider() *Provider {
	return &Provider{
		subs:     map[string][]billing.Subscription{},
		products: map[string]billing.Product{},
	}
}

var _ billing.Provider = (*Provider)(nil)

// SetSubscriptions replaces a customer's subscription list.
func (p *Provider) SetSubscriptions(customerID string, subs ...billing.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range subs {
		if subs[i].CustomerID == "" {
			subs[i].CustomerID = customerID
		}
	}
	p.subs[customerID] = subs
}

// AddCustomer registers a provider customer.
func (p *Provider) AddCustomer(id, email string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers = append(p.customers, billing.Customer{ID: id, Email: strings.ToLower(email)})
}

// AddProduct registers a product.
func (p *Provider) AddProduct(id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[id] = billing.Product{ID: id, Name: name}
}

// SetErr sets or clears the injected failure.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Calls returns how many subscription lists were fetched.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListCalls
}

func (p *Provider) ListSubscriptions(ctx context.Context, customerID string) ([]billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListCalls++
	if p.Err != nil {
		return nil, &billing.TransientProviderError{Op: "list subscriptions", Err: p.Err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &billing.TransientProviderError{Op: "list subscriptions", Err: err}
	}
	out := make([]billing.Subscription, len(p.subs[customerID]))
	copy(out, p.subs[customerID])
	return out, nil
}

func (p *Provider) FindCustomersByEmail(_ context.Context, email string) ([]billing.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, &billing.TransientProviderError{Op: "list customers", Err: p.Err}
	}
	email = strings.ToLower(strings.TrimSpace(email))
	var out []billing.Customer
	for _, c := range p.customers {
		if c.Email == email {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *Provider) GetCustomer(_ context.Context, customerID string) (*billing.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, &billing.TransientProviderError{Op: "get customer", Err: p.Err}
	}
	for _, c := range p.customers {
		if c.ID == customerID {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (p *Provider) GetProduct(_ context.Context, productID string) (*billing.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.products[productID]; ok {
		return &pr, nil
	}
	return nil, nil
}

// Jobs records queued jobs instead of running them.
type Jobs struct {
	mu       sync.Mutex
	Receipts []billing.ReceiptRequest
	Resyncs  []uint
	Err      error
}

var _ billing.JobEnqueuer = (*Jobs)(nil)

func (j *Jobs) EnqueueReceipt(_ context.Context, req billing.ReceiptRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return j.Err
	}
	j.Receipts = append(j.Receipts, req)
	return nil
}

func (j *Jobs) EnqueueResync(_ context.Context, userID uint, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Err != nil {
		return j.Err
	}
	j.Resyncs = append(j.Resyncs, userID)
	return nil
}

// Invalidator counts cache invalidations.
type Invalidator struct {
	mu    sync.Mutex
	Users []uint
	Err   error
}

func (i *Invalidator) Invalidate(_ context.Context, userID uint) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Users = append(i.Users, userID)
	return i.Err
}

// Recorder counts recorded outcomes by "type/outcome".
type Recorder struct {
	mu     sync.Mutex
	Counts map[string]int
	Err    error
}

var _ billing.OutcomeRecorder = (*Recorder)(nil)

func (r *Recorder) RecordOutcome(_ context.Context, eventType, outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Counts == nil {
		r.Counts = map[string]int{}
	}
	r.Counts[eventType+"/"+outcome]++
	return r.Err
}

func (r *Recorder) Count(eventType, outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Counts[eventType+"/"+outcome]
}
