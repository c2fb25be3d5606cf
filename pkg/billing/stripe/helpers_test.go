package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"
)

const testSecret = "whsec_test_secret"

// eventJSON builds a Stripe event envelope around object.
func eventJSON(t *testing.T, id, eventType string, created int64, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created,
		"livemode":    false,
		"api_version": "2025-09-30.clover",
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func sign(payload []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	}).Header
}
