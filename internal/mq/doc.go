// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация команд и событий
//   - consumer.go   — потребление сообщений из очередей
//
// Команды (vgap.runs, потребитель Orchestrator):
//   - run.queued — run прошёл start и ждёт исполнения
//   - run.cancel — запрошена отмена run
//
// События (vgap.events, внешние потребители):
//   - run.status      — смена статуса run
//   - stage.completed — закрыта попытка stage
//
// RabbitMQ не является источником истины: Orchestrator опрашивает хранилище
// и без сообщений, команды только сокращают задержку реакции.
package mq
