package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/vgap/internal/telemetry"
)

// Handler — функция обработки команды.
// Ошибка, обёрнутая в ErrMalformed, отправляет сообщение в DLQ;
// любая другая возвращает его в очередь один раз.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленная команда.
type Delivery struct {
	// Message — распарсенный конверт.
	Message Message

	// Redelivered — сообщение уже доставлялось и не было подтверждено.
	Redelivered bool
}

// Disposition — решение по доставленному сообщению.
type Disposition string

const (
	DispositionAck        Disposition = "ack"
	DispositionRequeue    Disposition = "requeue"
	DispositionDeadLetter Disposition = "dead_letter"
)

// disposition решает судьбу сообщения по результату обработки.
// Повторная неудача уходит в DLQ: run всё равно подхватит
// опрос хранилища оркестратором.
func disposition(err error, redelivered bool) Disposition {
	switch {
	case err == nil:
		return DispositionAck
	case errors.Is(err, ErrMalformed), redelivered:
		return DispositionDeadLetter
	default:
		return DispositionRequeue
	}
}

// Consumer потребляет команды из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	types    []MessageType
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Types — ожидаемые типы сообщений. Прочие уходят в DLQ.
	// Пусто — принимаются любые.
	Types []MessageType

	// Handler — обработчик.
	Handler Handler

	// Prefetch — количество неподтверждённых сообщений на канал (default: 1).
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("component", "mq_consumer", "queue", cfg.Queue),
		queue:    cfg.Queue,
		types:    cfg.Types,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start потребляет сообщения до отмены ctx, переподключаясь
// вслед за Connection.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "error", err)
		} else {
			c.logger.Info("consumer started")
			c.drain(ctx, deliveries)
			if err := ctx.Err(); err != nil {
				return err
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

// subscribe настраивает prefetch и открывает поток доставок.
func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.queue), // queue
		"",              // consumer tag (auto-generated)
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает доставки, пока канал открыт.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.settle(raw, c.handle(ctx, raw))
		}
	}
}

// handle разбирает конверт и вызывает обработчик.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) Disposition {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		return DispositionDeadLetter
	}

	if len(c.types) > 0 && !slices.Contains(c.types, msg.Type) {
		c.logger.Warn("unexpected message type", "message_id", msg.ID, "type", msg.Type)
		return DispositionDeadLetter
	}

	c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type)

	err := c.handler(ctx, &Delivery{Message: msg, Redelivered: raw.Redelivered})
	d := disposition(err, raw.Redelivered)
	if err != nil {
		c.logger.Error("handler failed",
			"message_id", msg.ID,
			"type", msg.Type,
			"redelivered", raw.Redelivered,
			"disposition", d,
			"error", err,
		)
	}
	return d
}

// settle подтверждает или отклоняет сообщение.
func (c *Consumer) settle(raw amqp.Delivery, d Disposition) {
	var err error
	switch d {
	case DispositionAck:
		err = raw.Ack(false)
	case DispositionRequeue:
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "disposition", d, "error", err)
	}
	telemetry.MessagesConsumed.WithLabelValues(string(c.queue), string(d)).Inc()
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload разбирает payload конверта в T.
// Ошибка разбора оборачивает ErrMalformed.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После json.Unmarshal конверта Payload — map[string]any.
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("%w: marshal payload: %v", ErrMalformed, err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("%w: unmarshal payload: %v", ErrMalformed, err)
	}

	return result, nil
}
