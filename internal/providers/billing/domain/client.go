// Package domain defines the outbound billing provider boundary. The
// provider is the system of record for payment events; everything it returns
// is treated as an authoritative snapshot.
package domain

import (
	"context"
	"errors"
	"time"
)

// Subscription is the authoritative subscription snapshot fetched from the
// provider. Webhook payloads and API fetches decode into the same shape so
// both merge paths see identical data.
type Subscription struct {
	ID           string     `json:"id"`
	CustomerID   string     `json:"customer_id"`
	Status       string     `json:"status"`
	ProductName  string     `json:"product_name"`
	Amount       int64      `json:"amount"`
	Currency     string     `json:"currency"`
	BillingCycle string     `json:"billing_cycle"`
	TrialEndsAt  *time.Time `json:"trial_ends_at,omitempty"`
	NextBilledAt *time.Time `json:"next_billed_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
}

// Transaction is one provider payment record.
type Transaction struct {
	ID             string         `json:"id"`
	CustomerID     string         `json:"customer_id"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Status         string         `json:"status"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	CreatedAt      time.Time      `json:"created_at"`
	CustomData     map[string]any `json:"custom_data,omitempty"`
}

type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type CreateTransactionRequest struct {
	CustomerID string         `json:"customer_id"`
	Amount     int64          `json:"amount"`
	Currency   string         `json:"currency"`
	CustomData map[string]any `json:"custom_data,omitempty"`
}

type CreateCustomerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type CancelOptions struct {
	// Immediately ends the subscription now instead of at period end.
	Immediately bool
}

// Client is the outbound provider API. Implementations must bound every call
// with the context deadline plus their own request timeout.
type Client interface {
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string, opts CancelOptions) error
	GetCustomerTransactions(ctx context.Context, providerCustomerID string) ([]Transaction, error)
	CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*Transaction, error)
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error)
	GetCustomer(ctx context.Context, providerCustomerID string) (*Customer, error)
}

var (
	// ErrUnavailable marks transient failures: timeouts, 5xx, rate limits.
	// Callers retry on the next sweep tick or via provider redelivery.
	ErrUnavailable = errors.New("provider_unavailable")
	// ErrNotFound marks a permanently missing provider resource.
	ErrNotFound = errors.New("provider_resource_not_found")
	// ErrRequest marks a rejected request (other 4xx); retrying the same
	// call cannot succeed.
	ErrRequest = errors.New("provider_request_rejected")
)

// IsTransient reports whether the error is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
