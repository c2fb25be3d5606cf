package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// accountIDRule is applied to every account id the API accepts.
const accountIDRule = "required,max=255"

var errPaymentsDisabled = errors.New("payments are not configured")

// Handler provides HTTP endpoints for entitlement inspection and payment creation
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report JSON names in validation errors
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// GetEntitlement returns the account's current entitlement. Accounts that no
// event has touched are reported as not entitled.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(h.config.GetAccountID(r))
	if err := h.validate.Var(accountID, accountIDRule); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid account id"), http.StatusBadRequest)
		return
	}

	state, err := h.config.Manager.GetEntitlement(r.Context(), accountID)
	if err != nil {
		h.config.Logger.Error("failed to read entitlement",
			goentitle.Field{Key: "account_id", Value: accountID}, goentitle.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	resp := EntitlementResponse{
		AccountID:   accountID,
		Entitled:    state.Entitled,
		LastEventID: state.LastEventID,
	}
	if !state.Watermark.IsZero() {
		watermark := state.Watermark
		resp.Watermark = &watermark
	}
	if !state.UpdatedAt.IsZero() {
		updated := state.UpdatedAt
		resp.UpdatedAt = &updated
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreatePaymentIntent creates a one-off payment for the account in the body.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	if h.config.Payments == nil {
		h.handleError(w, r, errPaymentsDisabled, http.StatusNotImplemented)
		return
	}

	var req billing.PaymentIntentRequest
	if !h.decode(w, r, &req) {
		return
	}

	pi, err := h.config.Payments.CreatePaymentIntent(r.Context(), req)
	if err != nil {
		h.paymentError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, PaymentIntentResponse{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     pi.Currency,
	})
}

// CreateCheckoutSession creates a hosted one-time checkout page.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if h.config.Payments == nil {
		h.handleError(w, r, errPaymentsDisabled, http.StatusNotImplemented)
		return
	}

	var req billing.CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	session, err := h.config.Payments.CreateCheckoutSession(r.Context(), req)
	if err != nil {
		h.paymentError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutSessionResponse{ID: session.ID, URL: session.URL})
}

// decode reads and validates a JSON body into dst. It writes the error
// response itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.handleError(w, r, fmt.Errorf("request body too large"), http.StatusRequestEntityTooLarge)
			return false
		}
		h.handleError(w, r, fmt.Errorf("invalid JSON body: %w", err), http.StatusBadRequest)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
			return false
		}
		h.handleError(w, r, err, http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) paymentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrInvalidRequest):
		h.handleError(w, r, err, http.StatusBadRequest)
	default:
		h.config.Logger.Error("payment provider call failed", goentitle.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, fmt.Errorf("payment provider unavailable"), http.StatusBadGateway)
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Warn("failed to encode response", goentitle.Field{Key: "error", Value: err.Error()})
	}
}
