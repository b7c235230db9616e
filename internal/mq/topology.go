package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns   Exchange = "vgap.runs"
	ExchangeEvents Exchange = "vgap.events"
	ExchangeDLQ    Exchange = "vgap.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsQueued Queue = "runs.queued"
	QueueRunsCancel Queue = "runs.cancel"
	QueueEvents     Queue = "events.all"
	QueueDLQRuns    Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyQueued         RoutingKey = "queued"
	RoutingKeyCancel         RoutingKey = "cancel"
	RoutingKeyRunStatus      RoutingKey = "run.status"
	RoutingKeyStageCompleted RoutingKey = "stage.completed"
	RoutingKeyAllEvents      RoutingKey = "#"
	RoutingKeyDLQRuns        RoutingKey = "runs"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

var exchanges = []exchangeDecl{
	{ExchangeRuns, "direct"},
	{ExchangeEvents, "topic"},
	{ExchangeDLQ, "direct"},
}

// Команды, которые не удалось разобрать, уходят в DLQ.
var commandQueueArgs = amqp.Table{
	"x-dead-letter-exchange":    string(ExchangeDLQ),
	"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
}

var queues = []queueDecl{
	{QueueRunsQueued, commandQueueArgs},
	{QueueRunsCancel, commandQueueArgs},

	// events.all — журнал событий для внешних потребителей, ограничен по длине.
	{QueueEvents, amqp.Table{"x-max-length": int32(10000)}},

	{QueueDLQRuns, nil},
}

var bindings = []bindingDecl{
	{QueueRunsQueued, RoutingKeyQueued, ExchangeRuns},
	{QueueRunsCancel, RoutingKeyCancel, ExchangeRuns},
	{QueueEvents, RoutingKeyAllEvents, ExchangeEvents},
	{QueueDLQRuns, RoutingKeyDLQRuns, ExchangeDLQ},
}

// SetupTopology объявляет exchanges, queues и bindings. Повторный вызов безопасен.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range exchanges {
			if err := ch.ExchangeDeclare(
				string(ex.name), // name
				ex.kind,         // type
				true,            // durable
				false,           // auto-deleted
				false,           // internal
				false,           // no-wait
				nil,             // arguments
			); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range queues {
			if _, err := ch.QueueDeclare(
				string(q.name), // name
				true,           // durable
				false,          // delete when unused
				false,          // exclusive
				false,          // no-wait
				q.args,         // arguments
			); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range bindings {
			if err := ch.QueueBind(
				string(b.queue),      // queue name
				string(b.routingKey), // routing key
				string(b.exchange),   // exchange
				false,                // no-wait
				nil,                  // arguments
			); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  vgap RabbitMQ Topology:

    vgap.runs (direct)
    ├── runs.queued [routing: queued]   Consumer: Orchestrator, DLQ: dlq.runs
    └── runs.cancel [routing: cancel]   Consumer: Orchestrator, DLQ: dlq.runs

    vgap.events (topic)
    └── events.all  [routing: #]        run.status, stage.completed

    vgap.dlq (direct)
    └── dlq.runs    [routing: runs]     Manual processing
  `
}
