// Package provenance ведёт неизменяемый журнал вызовов stages.
//
// Записи по stages добавляются хранилищем атомарно вместе с результатом
// попытки (repo.Store.RecordStageExecution). Recorder добавляет записи
// уровня run, отдаёт журнал, строит checksum manifest и сравнивает
// выходы двух runs для проверки воспроизводимости.
package provenance
