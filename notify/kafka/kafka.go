// Package kafka publishes committed entitlement changes to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// DefaultTopic is the topic entitlement changes are published to.
const DefaultTopic = "entitlements.changed"

// Writer is the subset of *kafka.Writer the notifier needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// RetryConfig controls publish retries
type RetryConfig struct {
	MaxAttempts int           // default: 5
	BaseDelay   time.Duration // default: 100ms
	MaxDelay    time.Duration // default: 10s
	Jitter      bool
}

// Config holds Kafka notifier configuration
type Config struct {
	Brokers []string
	Topic   string
	Retry   RetryConfig
	Logger  goentitle.Logger
}

// Notifier implements goentitle.Notifier by publishing each change as JSON,
// keyed by account id so changes for one account stay ordered in a partition.
type Notifier struct {
	writer Writer
	topic  string
	retry  RetryConfig
	logger goentitle.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a notifier writing to the configured brokers
func New(config Config) (*Notifier, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewWithWriter(writer, config), nil
}

// NewWithWriter creates a notifier around an existing writer
func NewWithWriter(writer Writer, config Config) *Notifier {
	retry := config.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = 100 * time.Millisecond
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &goentitle.NoopLogger{}
	}
	topic := config.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	return &Notifier{
		writer: writer,
		topic:  topic,
		retry:  retry,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Notify implements goentitle.Notifier
func (n *Notifier) Notify(ctx context.Context, change goentitle.EntitlementChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement change: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(change.AccountID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_id", Value: []byte(change.EventID)},
			{Key: "kind", Value: []byte(change.Kind)},
		},
	}

	var lastErr error
	for attempt := 0; attempt < n.retry.MaxAttempts; attempt++ {
		err := n.writer.WriteMessages(ctx, msg)
		if err == nil {
			if attempt > 0 {
				n.logger.Info("Entitlement change published after retry",
					goentitle.Field{Key: "topic", Value: n.topic},
					goentitle.Field{Key: "attempts", Value: attempt + 1},
				)
			}
			return nil
		}
		lastErr = err

		if attempt == n.retry.MaxAttempts-1 {
			break
		}

		delay := n.backoff(attempt)
		n.logger.Warn("Retrying entitlement change publish",
			goentitle.Field{Key: "topic", Value: n.topic},
			goentitle.Field{Key: "attempt", Value: attempt + 1},
			goentitle.Field{Key: "delay", Value: delay.String()},
			goentitle.Field{Key: "error", Value: err.Error()},
		)
		if err := n.sleep(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry: %w", err)
		}
	}

	return fmt.Errorf("failed to publish to topic '%s' after %d attempts: %w",
		n.topic, n.retry.MaxAttempts, lastErr)
}

// Close flushes and closes the underlying writer
func (n *Notifier) Close() error {
	return n.writer.Close()
}

func (n *Notifier) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * n.retry.BaseDelay
	if delay > n.retry.MaxDelay {
		delay = n.retry.MaxDelay
	}

	if n.retry.Jitter {
		// ±15%
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ goentitle.Notifier = (*Notifier)(nil)
