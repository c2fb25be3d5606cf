package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
	defaultSignatureHeader   = "Stripe-Signature"
)

// Processor handles one raw notification. *goentitle.Coordinator implements it.
type Processor interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) goentitle.Response
}

// WebhookConfig configures the notification endpoint.
type WebhookConfig struct {
	// SignatureHeader names the signature header (default: "Stripe-Signature")
	SignatureHeader string

	// MaxBodyBytes caps the request body (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimit is the number of requests allowed per client per window (default: 100)
	RateLimit int

	// RateLimitWindow is the rate limit window (default: 1 minute)
	RateLimitWindow time.Duration

	// DisableRateLimit turns per-client rate limiting off
	DisableRateLimit bool

	// TrustForwardedFor keys rate limiting by X-Forwarded-For
	TrustForwardedFor bool

	Metrics goentitle.Metrics
	Logger  goentitle.Logger
}

// WebhookHandler returns the HTTP handler that passes raw notification bodies
// to p. The body is never parsed before p verifies it.
func WebhookHandler(p Processor, config WebhookConfig) http.Handler {
	if config.SignatureHeader == "" {
		config.SignatureHeader = defaultSignatureHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}
	if config.Metrics == nil {
		config.Metrics = &goentitle.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &goentitle.NoopLogger{}
	}

	h := &webhookHandler{processor: p, config: config}
	if config.DisableRateLimit {
		return h
	}

	limiter := internal.NewRateLimiter(config.RateLimit, config.RateLimitWindow)
	limiter.TrustForwardedFor = config.TrustForwardedFor
	limiter.OnReject = func(r *http.Request) {
		config.Metrics.RecordWebhookError("unknown", "rate_limited")
		config.Logger.Warn("webhook rate limit exceeded", goentitle.Field{Key: "client_ip", Value: internal.ClientIP(r)})
	}
	return limiter.Middleware(h)
}

type webhookHandler struct {
	processor Processor
	config    WebhookConfig
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.config.Metrics.RecordWebhookError("unknown", "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		if errors.Is(err, internal.ErrEmptyBody) {
			h.config.Metrics.RecordWebhookError("unknown", "invalid_payload")
			_ = internal.WriteJSON(w, http.StatusBadRequest, goentitle.AckBody{Error: "Webhook Error: " + err.Error()})
			return
		}
		// a broken connection is worth a redelivery
		h.config.Metrics.RecordWebhookError("unknown", "read_failed")
		h.config.Logger.Warn("failed to read webhook body", goentitle.Field{Key: "error", Value: err.Error()})
		_ = internal.WriteJSON(w, http.StatusInternalServerError, goentitle.AckBody{Error: "failed to read request body"})
		return
	}

	resp := h.processor.Handle(r.Context(), body, r.Header.Get(h.config.SignatureHeader))
	if err := internal.WriteJSON(w, resp.Status, resp.Body); err != nil {
		h.config.Logger.Warn("failed to write webhook response", goentitle.Field{Key: "error", Value: err.Error()})
	}
}
