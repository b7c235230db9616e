// Package report генерирует отчёты по завершённым runs.
//
// Каждый вызов Service.Generate создаёт новый артефакт со свежим ID и
// временем генерации: предыдущие артефакты не переиспользуются и не
// кэшируются. Параллельные генерации для одного run независимы.
//
// Содержимое отчёта строит Generator (по умолчанию JSONGenerator:
// машиночитаемая сводка run, samples и provenance). Байты хранятся в
// ArtifactStore (MinIOStore в production, MemoryStore в тестах), запись
// об артефакте сохраняется в Run State Store.
//
// Ключи объектов: runs/{run_id}/reports/{report_id}.{ext}.
package report
