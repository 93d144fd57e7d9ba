package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type EventType string

const (
	StageAdvanced    EventType = "gate.stage_advanced"
	ApprovalRecorded EventType = "gate.approval_recorded"
	VersionRejected  EventType = "gate.version_rejected"
	VersionDeployed  EventType = "gate.version_deployed"
)

// Event is the notification emitted to downstream sinks after a gate
// transition. Delivery is fire-and-forget: the gate's transactional boundary
// does not include the sink.
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	VersionID uuid.UUID              `json:"versionId"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Time      time.Time              `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// LogPublisher writes events to the process log. Default sink for dev and
// tests.
type LogPublisher struct {
	Logger *log.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) {
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}
	payload, _ := json.Marshal(ev.Payload)
	logger.Printf("[event] %s version=%s payload=%s", ev.Type, ev.VersionID, payload)
}

func (p *LogPublisher) Close() error { return nil }

type KafkaPublisherConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

// KafkaPublisher produces gate events as JSON keyed by version id, so all
// events for one version land on the same partition in order.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &KafkaPublisher{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Publish produces the event with retries and backoff. Failures are logged,
// never propagated: a lost notification must not roll back a committed gate
// transition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[events] marshal %s: %v", ev.Type, err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.VersionID.String()),
		Value: value,
		Time:  ev.Time,
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	log.Printf("[events] produce %s failed after %d attempts: %v", ev.Type, p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NewEvent builds an event with a fresh id and UTC timestamp.
func NewEvent(eventType EventType, versionID uuid.UUID, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		VersionID: versionID,
		Payload:   payload,
		Time:      time.Now().UTC(),
	}
}
