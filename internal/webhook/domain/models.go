// Package domain defines the inbound billing webhook contract: the typed
// event union, dispatch outcomes, and the dispatcher boundary.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/billsync/internal/providers/billing/domain"
)

// Provider identifies the upstream webhook source in the event ledger.
const Provider = "paddle"

// Outcome classifies what a delivery did. Every outcome maps to HTTP 200 so
// the provider stops redelivering; rejections surface as errors instead.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

var (
	// ErrUnverified rejects deliveries missing the trusted-edge
	// verification marker.
	ErrUnverified = errors.New("webhook_unverified")
	// ErrValidation rejects structurally broken payloads. Never retried.
	ErrValidation = errors.New("webhook_validation")
	// ErrTamper rejects payloads whose custom data contradicts stored
	// state, such as an invoice/token mismatch.
	ErrTamper = errors.New("webhook_tamper")
)

// Request is one webhook delivery as received from the edge.
type Request struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type" binding:"required"`
	Data      json.RawMessage `json:"data" binding:"required"`

	// Verified is stamped by the transport from the trusted-edge marker,
	// never from the request body.
	Verified bool `json:"-"`
}

// Result is what a delivery produced.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

type Service interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// Event is the typed union of payloads the dispatcher understands. Routing
// type-switches on the concrete payload rather than re-inspecting raw JSON.
type Event interface {
	EventName() string
}

// CustomData is the pass-through metadata we attach at checkout time and the
// provider echoes back on every event.
type CustomData struct {
	UserID       string `json:"user_id"`
	InvoiceID    string `json:"invoice_id"`
	PaymentToken string `json:"payment_token"`
	PlanType     string `json:"plan_type"`
	BillingCycle string `json:"billing_cycle"`
}

// SubscriptionEvent covers every subscription.* notification.
type SubscriptionEvent struct {
	Type         string
	Subscription billingdomain.Subscription
	CustomData   CustomData
	OccurredAt   *time.Time
}

func (e SubscriptionEvent) EventName() string { return e.Type }

// TransactionEvent covers transaction.* and payment.* notifications.
type TransactionEvent struct {
	Type        string
	Transaction billingdomain.Transaction
	CustomData  CustomData
}

func (e TransactionEvent) EventName() string { return e.Type }

// UnknownEvent carries event types we do not handle. Kept as a typed case so
// forward compatibility is an explicit routing decision, not a fallthrough.
type UnknownEvent struct {
	Type string
}

func (e UnknownEvent) EventName() string { return e.Type }

type subscriptionPayload struct {
	billingdomain.Subscription
	OccurredAt *time.Time      `json:"occurred_at"`
	CustomData json.RawMessage `json:"custom_data"`
}

type transactionPayload struct {
	billingdomain.Transaction
	CustomData json.RawMessage `json:"custom_data"`
}

// ParseEvent maps a raw delivery onto the typed union.
func ParseEvent(eventType string, data json.RawMessage) (Event, error) {
	switch {
	case strings.HasPrefix(eventType, "subscription."):
		var payload subscriptionPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		custom, err := parseCustomData(payload.CustomData)
		if err != nil {
			return nil, err
		}
		return SubscriptionEvent{
			Type:         eventType,
			Subscription: payload.Subscription,
			CustomData:   custom,
			OccurredAt:   payload.OccurredAt,
		}, nil
	case strings.HasPrefix(eventType, "transaction.") || strings.HasPrefix(eventType, "payment."):
		var payload transactionPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		custom, err := parseCustomData(payload.CustomData)
		if err != nil {
			return nil, err
		}
		return TransactionEvent{
			Type:        eventType,
			Transaction: payload.Transaction,
			CustomData:  custom,
		}, nil
	default:
		return UnknownEvent{Type: eventType}, nil
	}
}

func parseCustomData(raw json.RawMessage) (CustomData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return CustomData{}, nil
	}
	var custom CustomData
	if err := json.Unmarshal(raw, &custom); err != nil {
		return CustomData{}, fmt.Errorf("%w: custom_data: %v", ErrValidation, err)
	}
	return custom, nil
}

