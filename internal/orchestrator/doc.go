// Package orchestrator ведёт runs от создания до терминального статуса.
//
// Пакет состоит из двух частей:
//   - Service — control plane: create, update config, validate, start,
//     cancel, retry sample. Вызывается HTTP API.
//   - Orchestrator — data plane: берёт аренду на queued/running runs,
//     запускает по цепочке stages на каждый sample через Dispatcher
//     и финализирует run, когда все samples терминальны.
//
// Части общаются только через хранилище (источник истины) и, если
// настроен RabbitMQ, команды run.queued/run.cancel. Orchestrator держит
// в памяти лишь множество runs, которые ведёт сам.
package orchestrator
