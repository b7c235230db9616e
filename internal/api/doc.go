// Package api содержит HTTP API сервер vgap.
//
// Структура:
//   - handler.go            — Handler с зависимостями (сервисы, logger)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (logging, recovery, metrics, no-store)
//   - response.go           — унифицированные JSON-ответы и отображение ошибок
//   - dto.go                — Data Transfer Objects (request/response) и их валидация
//   - run_handler.go        — обработчики для /runs
//   - provenance_handler.go — provenance, checksum manifest, проверка воспроизводимости
//   - report_handler.go     — генерация и выдача отчётов
//
// Ошибки возвращаются в виде {"error": {code, message, remediation, details}}.
// Внутренние детали (stack traces, тексты ошибок БД) наружу не попадают.
package api
