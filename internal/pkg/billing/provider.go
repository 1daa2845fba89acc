package billing

import "context"

// Provider is the read-only view of the payment provider used to fetch
// current truth. Implementations must honour ctx deadlines and report network
// or timeout failures as *TransientProviderError.
type Provider interface {
	// ListSubscriptions returns every subscription of the customer, in any status.
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	FindCustomersByEmail(ctx context.Context, email string) ([]Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	GetProduct(ctx context.Context, productID string) (*Product, error)
}
