// Package paddle implements the billing provider client against the Paddle
// Billing REST API.
package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/billsync/internal/config"
	obsmetrics "github.com/smallbiznis/billsync/internal/observability/metrics"
	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.Provider.BaseURL, "/"),
		apiKey:  cfg.Provider.APIKey,
		http:    &http.Client{Timeout: cfg.Provider.Timeout},
		log:     log.Named("provider.paddle"),
	}
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiError struct {
	Error struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func (c *Client) GetSubscription(ctx context.Context, providerSubscriptionID string) (*billingdomain.Subscription, error) {
	if strings.TrimSpace(providerSubscriptionID) == "" {
		return nil, billingdomain.ErrRequest
	}
	var sub billingdomain.Subscription
	err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(providerSubscriptionID), nil, &sub)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) CancelSubscription(ctx context.Context, providerSubscriptionID string, opts billingdomain.CancelOptions) error {
	if strings.TrimSpace(providerSubscriptionID) == "" {
		return billingdomain.ErrRequest
	}
	effective := "next_billing_period"
	if opts.Immediately {
		effective = "immediately"
	}
	body := map[string]any{"effective_from": effective}
	return c.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(providerSubscriptionID)+"/cancel", body, nil)
}

func (c *Client) GetCustomerTransactions(ctx context.Context, providerCustomerID string) ([]billingdomain.Transaction, error) {
	if strings.TrimSpace(providerCustomerID) == "" {
		return nil, billingdomain.ErrRequest
	}
	var transactions []billingdomain.Transaction
	path := "/transactions?customer_id=" + url.QueryEscape(providerCustomerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &transactions); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (c *Client) CreateTransaction(ctx context.Context, req billingdomain.CreateTransactionRequest) (*billingdomain.Transaction, error) {
	var txn billingdomain.Transaction
	if err := c.do(ctx, http.MethodPost, "/transactions", req, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

func (c *Client) CreateCustomer(ctx context.Context, req billingdomain.CreateCustomerRequest) (*billingdomain.Customer, error) {
	var customer billingdomain.Customer
	if err := c.do(ctx, http.MethodPost, "/customers", req, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *Client) GetCustomer(ctx context.Context, providerCustomerID string) (*billingdomain.Customer, error) {
	if strings.TrimSpace(providerCustomerID) == "" {
		return nil, billingdomain.ErrRequest
	}
	var customer billingdomain.Customer
	if err := c.do(ctx, http.MethodGet, "/customers/"+url.PathEscape(providerCustomerID), nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, body, out)

	m := obsmetrics.Sync()
	m.IncProviderCall(callResult(err))
	m.ObserveProviderDuration(time.Since(start))
	return err
}

// callResult classifies a call for the provider request counter.
func callResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, billingdomain.ErrNotFound):
		return "not_found"
	case billingdomain.IsTransient(err):
		return "unavailable"
	case errors.Is(err, billingdomain.ErrRequest):
		return "rejected"
	default:
		return "error"
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// Timeouts and connection failures are retried on the next tick.
		return fmt.Errorf("%w: %v", billingdomain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", billingdomain.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return billingdomain.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.log.Warn("provider call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: status %d", billingdomain.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr apiError
		if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%w: %s", billingdomain.ErrRequest, apiErr.Error.Code)
		}
		return fmt.Errorf("%w: status %d", billingdomain.ErrRequest, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("%w: %v", billingdomain.ErrRequest, err)
	}
	data := envelope.Data
	if len(data) == 0 {
		data = payload
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", billingdomain.ErrRequest, err)
	}
	return nil
}
