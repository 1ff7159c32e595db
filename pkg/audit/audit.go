// Package audit publishes one event per terminal obligation transition to
// Kafka. The stream feeds field diagnostics; core logic never reads it back,
// so publish failures are logged and dropped.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/carelink-health/carelink/pkg/common/logger"
	"github.com/carelink-health/carelink/pkg/obligation"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	OutcomeConfirmed     = "Confirmed"
	OutcomeEscalated     = "Escalated"
	OutcomeLateConfirmed = "LateConfirmed"
)

type Event struct {
	ID           string    `json:"id"`
	PatientID    int64     `json:"patient_id"`
	Day          string    `json:"day"`
	Kind         string    `json:"kind"`
	Outcome      string    `json:"outcome"`
	AttemptCount int       `json:"attempt_count"`
	Timestamp    time.Time `json:"timestamp"`
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

func (p *Producer) RecordOutcome(ctx context.Context, key obligation.Key, outcome string, attempts int) {
	event := Event{
		ID:           uuid.New().String(),
		PatientID:    key.PatientID,
		Day:          key.Day,
		Kind:         key.Kind,
		Outcome:      outcome,
		AttemptCount: attempts,
		Timestamp:    time.Now().UTC(),
	}

	value, err := json.Marshal(event)
	if err != nil {
		logger.Log.WithError(err).Error("failed to marshal audit event")
		return
	}

	message := kafka.Message{
		Key:   []byte(key.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(outcome)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"obligation": key.String(),
			"outcome":    outcome,
		}).Error("failed to publish audit event")
		return
	}

	logger.Log.WithFields(map[string]interface{}{
		"obligation": key.String(),
		"outcome":    outcome,
		"attempts":   attempts,
	}).Info("terminal transition recorded")
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Nop is the auditor used when Kafka is disabled (tests, local runs).
type Nop struct{}

func (Nop) RecordOutcome(context.Context, obligation.Key, string, int) {}
