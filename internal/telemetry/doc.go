// Package telemetry — логирование и метрики процессов VGAP.
//
// SetupLogger настраивает slog по LOG_LEVEL и LOG_FORMAT; хелперы
// WithRunID, WithSampleID и WithStage добавляют ключи run/sample/stage.
// Метрики (stage executions, dispatcher, переходы run, отчёты,
// retention, HTTP) регистрируются в default registry Prometheus
// и отдаются на /metrics каждого бинарника.
package telemetry
