package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// errorStorage fails every entitlement read
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetEntitlement(_ context.Context, _ string) (*goentitle.EntitlementState, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create a test manager with one entitled account
func setupTestManager(t *testing.T) *goentitle.Manager {
	t.Helper()

	storage := memory.New()
	err := storage.WithinTx(context.Background(), func(ctx context.Context, tx goentitle.Tx) error {
		return tx.PutEntitlement(ctx, &goentitle.EntitlementState{AccountID: "user1", Entitled: true})
	})
	if err != nil {
		t.Fatalf("Failed to set entitlement: %v", err)
	}

	manager, err := goentitle.NewManager(storage, goentitle.ManagerConfig{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/premium/:account", RequireEntitlement(cfg), func(c *fiber.Ctx) error {
		if _, ok := c.Locals(EntitlementKey).(*goentitle.EntitlementState); !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.SendString("success")
	})
	return app
}

func TestRequireEntitlement(t *testing.T) {
	app := newApp(Config{Manager: setupTestManager(t), GetAccountID: FromParam("account")})

	tests := []struct {
		path string
		want int
	}{
		{"/premium/user1", http.StatusOK},
		{"/premium/user2", http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
		if err != nil {
			t.Fatalf("Failed to execute request: %v", err)
		}
		if resp.StatusCode != tt.want {
			t.Errorf("%s: expected status %d, got %d", tt.path, tt.want, resp.StatusCode)
		}
	}
}

func TestRequireEntitlement_Unauthorized(t *testing.T) {
	app := fiber.New()
	app.Get("/premium", RequireEntitlement(Config{
		Manager:      setupTestManager(t),
		GetAccountID: FromHeader("X-User-ID"),
	}), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/premium", http.NoBody))
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestRequireEntitlement_StorageError(t *testing.T) {
	manager, err := goentitle.NewManager(&errorStorage{Storage: memory.New()}, goentitle.ManagerConfig{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	var gotErr error
	app := newApp(Config{
		Manager:      manager,
		GetAccountID: FromParam("account"),
		OnError: func(c *fiber.Ctx, err error) error {
			gotErr = err
			return c.SendStatus(fiber.StatusServiceUnavailable)
		},
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/premium/user1", http.NoBody))
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	if gotErr == nil {
		t.Error("Expected OnError to receive the storage error")
	}
}

type recordingProcessor struct {
	payload string
	header  string
}

func (p *recordingProcessor) Handle(_ context.Context, payload []byte, signatureHeader string) goentitle.Response {
	p.payload, p.header = string(payload), signatureHeader
	return goentitle.Response{
		Status: http.StatusOK,
		Body:   goentitle.AckBody{Received: true, EventID: "evt_1", Outcome: goentitle.OutcomeApplied},
	}
}

func TestWebhook(t *testing.T) {
	p := &recordingProcessor{}
	app := fiber.New()
	app.Post("/webhook", Webhook(p, ""))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	raw, _ := io.ReadAll(resp.Body)
	var ack goentitle.AckBody
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}
	if !ack.Received || ack.Outcome != goentitle.OutcomeApplied {
		t.Errorf("Unexpected ack: %+v", ack)
	}
	if p.payload != `{"id":"evt_1"}` || p.header != "t=1,v1=abc" {
		t.Errorf("Processor got payload %q header %q", p.payload, p.header)
	}
}

func TestWebhook_EmptyBody(t *testing.T) {
	app := fiber.New()
	app.Post("/webhook", Webhook(&recordingProcessor{}, ""))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/webhook", http.NoBody))
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}
