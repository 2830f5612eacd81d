package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"edge-guard/internal/util"
)

// Event types with a known payload contract.
const (
	EventOrderCreated     = "order.created"
	EventOrderUpdated     = "order.updated"
	EventOrderCancelled   = "order.cancelled"
	EventInventoryUpdated = "inventory.updated"
	EventCustomerCreated  = "customer.created"
)

// DefaultRequiredFields lists the data fields each known event type must
// carry. Unknown event types are accepted without field checks.
func DefaultRequiredFields() map[string][]string {
	return map[string][]string{
		EventOrderCreated:     {"order_id", "customer_email", "items", "total_amount"},
		EventOrderUpdated:     {"order_id", "status"},
		EventOrderCancelled:   {"order_id", "reason"},
		EventInventoryUpdated: {"sku", "quantity", "operation"},
		EventCustomerCreated:  {"customer_id", "email"},
	}
}

// Envelope is the JSON body of every delivery.
type Envelope struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// ParseEnvelope decodes body and checks the envelope and, for known event
// types, the required data fields.
func ParseEnvelope(body []byte, required map[string][]string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid JSON payload: %v", util.ErrMalformedInput, err)
	}
	if env.EventType == "" || env.Data == nil {
		return Envelope{}, fmt.Errorf("%w: invalid webhook payload structure", util.ErrMalformedInput)
	}

	if fields, ok := required[env.EventType]; ok {
		if res := ValidateShape(env.Data, fields); !res.IsValid {
			return Envelope{}, fmt.Errorf("%w: missing required fields: %s",
				util.ErrMalformedInput, strings.Join(res.MissingFields, ", "))
		}
	}
	return env, nil
}
