// Package dispatcher выполняет stage executions на ограниченном пуле.
//
// Dispatcher принимает submissions от Orchestrator'а, распределяет слоты
// пула между runs по кругу (внутри run — FIFO), дедуплицирует попытки
// по ключу (sample, stage, fingerprint) и ограничивает каждую попытку
// бюджетом времени stage.
//
// Результат попытки — Result с одним из исходов: Success,
// TransientFailure, FatalFailure, Cancelled. Dispatcher захватывает
// ключ идемпотентности в хранилище, но исход попытки фиксирует
// вызывающий (вместе с обновлением sample).
package dispatcher
