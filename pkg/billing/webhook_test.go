package billing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

type recordingProcessor struct {
	payload   []byte
	signature string
	calls     int
	resp      goentitle.Response
}

func (p *recordingProcessor) Handle(_ context.Context, payload []byte, signatureHeader string) goentitle.Response {
	p.calls++
	p.payload = payload
	p.signature = signatureHeader
	return p.resp
}

func TestWebhookHandler_PassesRawBodyAndSignature(t *testing.T) {
	p := &recordingProcessor{resp: goentitle.Response{
		Status: http.StatusOK,
		Body:   goentitle.AckBody{Received: true, EventID: "evt_1", Outcome: goentitle.OutcomeApplied},
	}}
	h := WebhookHandler(p, WebhookConfig{DisableRateLimit: true})

	body := `{"id":"evt_1",  "type":"payment_intent.succeeded"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, string(p.payload))
	assert.Equal(t, "t=1,v1=abc", p.signature)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var ack goentitle.AckBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Received)
	assert.Equal(t, goentitle.OutcomeApplied, ack.Outcome)
}

func TestWebhookHandler_ForwardsProcessorStatus(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError} {
		p := &recordingProcessor{resp: goentitle.Response{Status: status, Body: goentitle.AckBody{Error: "x"}}}
		h := WebhookHandler(p, WebhookConfig{DisableRateLimit: true})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}")))
		assert.Equal(t, status, rec.Code)
	}
}

func TestWebhookHandler_CustomSignatureHeader(t *testing.T) {
	p := &recordingProcessor{resp: goentitle.Response{Status: http.StatusOK}}
	h := WebhookHandler(p, WebhookConfig{DisableRateLimit: true, SignatureHeader: "X-Signature"})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	req.Header.Set("X-Signature", "sig")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "sig", p.signature)
}

func TestWebhookHandler_RejectsOtherMethods(t *testing.T) {
	p := &recordingProcessor{}
	h := WebhookHandler(p, WebhookConfig{DisableRateLimit: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	assert.Zero(t, p.calls)
}

func TestWebhookHandler_EmptyBody(t *testing.T) {
	p := &recordingProcessor{}
	h := WebhookHandler(p, WebhookConfig{DisableRateLimit: true})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Webhook Error")
	assert.Zero(t, p.calls)
}

func TestWebhookHandler_BodyReadFailureInvitesRetry(t *testing.T) {
	p := &recordingProcessor{}
	h := WebhookHandler(p, WebhookConfig{DisableRateLimit: true})

	body := io.MultiReader(strings.NewReader(`{"id":"evt_`), iotest.ErrReader(io.ErrUnexpectedEOF))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", body))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, p.calls)
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	p := &recordingProcessor{}
	h := WebhookHandler(p, WebhookConfig{DisableRateLimit: true, MaxBodyBytes: 16})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(strings.Repeat("a", 64))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, p.calls)
}

func TestWebhookHandler_RateLimited(t *testing.T) {
	p := &recordingProcessor{resp: goentitle.Response{Status: http.StatusOK}}
	h := WebhookHandler(p, WebhookConfig{RateLimit: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, 2, p.calls)
}
