package goentitle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// AckBody is the JSON acknowledgment returned to the payment processor.
type AckBody struct {
	Received  bool    `json:"received"`
	EventID   string  `json:"event_id,omitempty"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Duplicate bool    `json:"duplicate,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Response is the HTTP status and body for one handled notification.
type Response struct {
	Status int
	Body   AckBody
}

// Coordinator runs the verify, classify, reserve, reconcile and commit
// pipeline for one notification and maps the result to a response.
type Coordinator struct {
	storage    Storage
	verifier   Verifier
	classifier Classifier
	reconciler *Reconciler
	config     Config
}

// NewCoordinator creates a coordinator over storage.
func NewCoordinator(storage Storage, verifier Verifier, classifier Classifier, config Config) (*Coordinator, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if verifier == nil {
		return nil, errors.New("goentitle: verifier is required")
	}
	if classifier == nil {
		return nil, errors.New("goentitle: classifier is required")
	}

	config.setDefaults()

	if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
		metrics := config.Metrics
		breaker := NewStoreBreaker(*cb, config.Clock, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		storage = NewCircuitBreakerStorage(storage, breaker)
	}

	return &Coordinator{
		storage:    storage,
		verifier:   verifier,
		classifier: classifier,
		reconciler: NewReconciler(config),
		config:     config,
	}, nil
}

// Storage returns the (possibly circuit-breaker wrapped) storage in use.
func (c *Coordinator) Storage() Storage {
	return c.storage
}

// Handle processes one raw notification. It never panics on bad input and
// always returns a response: 400 for authentication failures, 500 when the
// processor should retry, 200 otherwise.
func (c *Coordinator) Handle(ctx context.Context, payload []byte, signatureHeader string) Response {
	start := c.config.Clock()
	ctx, cancel := context.WithTimeout(ctx, c.config.ProcessingTimeout)
	defer cancel()

	verified, err := c.verifier.Verify(payload, signatureHeader)
	if err != nil {
		c.config.Logger.Warn("webhook signature verification failed", Field{"error", err.Error()})
		c.config.Metrics.RecordWebhookError("unknown", "signature_verification_failed")
		c.config.Metrics.RecordWebhookEvent("unknown", "rejected", http.StatusBadRequest)
		return Response{
			Status: http.StatusBadRequest,
			Body:   AckBody{Error: "Webhook Error: " + err.Error()},
		}
	}

	resp := c.handleVerified(ctx, verified)

	c.config.Metrics.RecordWebhookProcessingDuration(verified.Type, c.config.Clock().Sub(start))
	outcome := string(resp.Body.Outcome)
	if outcome == "" {
		outcome = "error"
	}
	c.config.Metrics.RecordWebhookEvent(verified.Type, outcome, resp.Status)
	return resp
}

func (c *Coordinator) handleVerified(ctx context.Context, verified *VerifiedPayload) Response {
	ev, err := c.classifier.Classify(verified)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupportedEventKind):
		c.config.Logger.Debug("ignoring unsupported event",
			Field{"event_id", verified.EventID}, Field{"type", verified.Type})
		return ok(verified.EventID, OutcomeIgnored, false)
	case IsPermanent(err):
		ev = &VerifiedEvent{
			ID:           verified.EventID,
			ProviderType: verified.Type,
			CreatedAt:    verified.CreatedAt,
			Payload:      verified.Data,
		}
		return c.deadLetter(ctx, ev, err)
	default:
		c.config.Metrics.RecordWebhookError(verified.Type, "classification_failed")
		return retry(verified.EventID, err)
	}

	var (
		out   *ReconciliationOutcome
		prior *IdempotencyRecord
	)
	err = c.storage.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		// The store may rerun this function after a conflict.
		out, prior = nil, nil

		existing, err := tx.ReserveEvent(ctx, &IdempotencyRecord{
			EventID:     ev.ID,
			Kind:        ev.Kind,
			Outcome:     OutcomePending,
			ProcessedAt: c.config.Clock(),
		})
		if err != nil {
			return fmt.Errorf("reserve event: %w", err)
		}
		if existing != nil {
			prior = existing
			return nil
		}

		result, err := c.reconciler.Reconcile(ctx, ev, tx)
		if err != nil {
			return err
		}
		if err := tx.CompleteEvent(ctx, ev.ID, result.Outcome); err != nil {
			return fmt.Errorf("complete event: %w", err)
		}
		out = result
		return nil
	})
	if err != nil {
		if IsPermanent(err) {
			return c.deadLetter(ctx, ev, err)
		}
		c.config.Logger.Error("reconciliation failed",
			eventFields(ev, Field{"error", err.Error()}, Field{"timeout", errors.Is(err, context.DeadlineExceeded)})...)
		c.config.Metrics.RecordWebhookError(ev.ProviderType, errorType(err))
		return retry(ev.ID, err)
	}

	if prior != nil {
		c.config.Logger.Info("duplicate event", eventFields(ev, Field{"prior_outcome", string(prior.Outcome)})...)
		return ok(ev.ID, prior.Outcome, true)
	}

	c.config.Logger.Info("event reconciled", eventFields(ev, Field{"outcome", string(out.Outcome)})...)
	if out.Change != nil {
		c.config.Metrics.RecordEntitlementChange(string(out.Change.Kind), out.Change.Entitled)
		c.emit(*out.Change)
	}
	return ok(ev.ID, out.Outcome, false)
}

// deadLetter records a permanently unprocessable event in a fresh
// transaction so that the processor stops redelivering it.
func (c *Coordinator) deadLetter(ctx context.Context, ev *VerifiedEvent, cause error) Response {
	c.config.Logger.Error("dead-lettering event", eventFields(ev, Field{"error", cause.Error()})...)
	c.config.Metrics.RecordWebhookError(ev.ProviderType, "permanent_data_error")

	var prior *IdempotencyRecord
	err := c.storage.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		prior = nil
		existing, err := tx.ReserveEvent(ctx, &IdempotencyRecord{
			EventID:     ev.ID,
			Kind:        ev.Kind,
			Outcome:     OutcomePending,
			ProcessedAt: c.config.Clock(),
		})
		if err != nil {
			return fmt.Errorf("reserve event: %w", err)
		}
		if existing != nil {
			prior = existing
			return nil
		}
		if err := tx.RecordDeadLetter(ctx, c.reconciler.deadLetter(ev, ReasonPermanentDataError, cause.Error())); err != nil {
			return fmt.Errorf("record dead letter: %w", err)
		}
		return tx.CompleteEvent(ctx, ev.ID, OutcomeDeadLettered)
	})
	if err != nil {
		c.config.Logger.Error("dead-letter write failed", eventFields(ev, Field{"error", err.Error()})...)
		return retry(ev.ID, err)
	}
	if prior != nil {
		return ok(ev.ID, prior.Outcome, true)
	}
	return ok(ev.ID, OutcomeDeadLettered, false)
}

func (c *Coordinator) emit(change EntitlementChange) {
	if c.config.Emitter == nil {
		return
	}
	if !c.config.Emitter.Emit(change) {
		c.config.Logger.Warn("entitlement change dropped",
			Field{"account_id", change.AccountID}, Field{"event_id", change.EventID})
	}
}

func ok(eventID string, outcome Outcome, duplicate bool) Response {
	return Response{
		Status: http.StatusOK,
		Body:   AckBody{Received: true, EventID: eventID, Outcome: outcome, Duplicate: duplicate},
	}
}

func retry(eventID string, err error) Response {
	return Response{
		Status: http.StatusInternalServerError,
		Body:   AckBody{EventID: eventID, Error: err.Error()},
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "transient_store"
	}
}
