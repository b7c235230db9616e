package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunQueued      MessageType = "run.queued"
	MessageTypeRunCancel      MessageType = "run.cancel"
	MessageTypeRunStatus      MessageType = "run.status"
	MessageTypeStageCompleted MessageType = "stage.completed"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunCommandPayload — payload команд run.queued и run.cancel.
type RunCommandPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// RunStatusPayload — payload события run.status.
type RunStatusPayload struct {
	RunID  uuid.UUID `json:"run_id"`
	Code   string    `json:"code"`
	Status string    `json:"status"`

	// ErrorCode — код ошибки для failed.
	ErrorCode string `json:"error_code,omitempty"`
}

// StageCompletedPayload — payload события stage.completed.
type StageCompletedPayload struct {
	RunID       uuid.UUID `json:"run_id"`
	SampleID    uuid.UUID `json:"sample_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	ErrorCode   string    `json:"error_code,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger.With("component", "mq_publisher"),
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// PublishRunQueued публикует команду на исполнение run.
// Потребитель: Orchestrator.
func (p *Publisher) PublishRunQueued(ctx context.Context, runID uuid.UUID) error {
	msg := newMessage(MessageTypeRunQueued, RunCommandPayload{RunID: runID})
	return p.Publish(ctx, ExchangeRuns, RoutingKeyQueued, msg)
}

// PublishRunCancel публикует команду отмены run.
// Потребитель: Orchestrator, ведущий run.
func (p *Publisher) PublishRunCancel(ctx context.Context, runID uuid.UUID) error {
	msg := newMessage(MessageTypeRunCancel, RunCommandPayload{RunID: runID})
	return p.Publish(ctx, ExchangeRuns, RoutingKeyCancel, msg)
}

// PublishRunStatus публикует событие о смене статуса run.
func (p *Publisher) PublishRunStatus(ctx context.Context, payload RunStatusPayload) error {
	msg := newMessage(MessageTypeRunStatus, payload)
	return p.Publish(ctx, ExchangeEvents, RoutingKeyRunStatus, msg)
}

// PublishStageCompleted публикует событие о закрытой попытке stage.
func (p *Publisher) PublishStageCompleted(ctx context.Context, payload StageCompletedPayload) error {
	msg := newMessage(MessageTypeStageCompleted, payload)
	return p.Publish(ctx, ExchangeEvents, RoutingKeyStageCompleted, msg)
}
