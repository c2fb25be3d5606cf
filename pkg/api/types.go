package api

import "time"

// EntitlementResponse is the public view of an account's entitlement
type EntitlementResponse struct {
	AccountID   string     `json:"account_id"`
	Entitled    bool       `json:"entitled"`
	LastEventID string     `json:"last_event_id,omitempty"`
	Watermark   *time.Time `json:"watermark,omitempty"` // creation time of the last applied event
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// PaymentIntentResponse carries what a client needs to confirm a payment
type PaymentIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// CheckoutSessionResponse points the client at a hosted checkout page
type CheckoutSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"` // field name -> failed rule
}
