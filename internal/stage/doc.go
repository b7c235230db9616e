// Package stage описывает контракт executor'ов stages pipeline.
//
// # Обзор
//
// Каждая stage (qc, mapping, assembly, variants, lineage, report) выполняется
// внешним инструментом. Ядро вызывает инструмент только через интерфейс
// Executor и сохраняет структурированный результат, который тот вернул.
//
//	type Executor interface {
//	    Execute(ctx context.Context, req *Request) (*domain.StageOutput, error)
//	}
//
// # Таблица executor'ов
//
// Registry — таблица StageKind → Executor. Orchestrator проверяет при start,
// что для всех stages режима run есть executor.
//
// # Классификация ошибок
//
// Executor сообщает о детерминированной ошибке через Fatal(...), о временной
// через Transient(...). Classify приводит любую ошибку к *Failure:
// истечение таймаута и неклассифицированные ошибки считаются временными.
//
// # Реализации
//
//   - CommandExecutor — запуск внешнего инструмента в отдельной группе процессов
//   - DryRunExecutor — имитация stage для dev-окружения
//   - ExecutorFunc — адаптер функции
//
// # Идемпотентность
//
// Fingerprint(req) — sha256 от канонического JSON входов, параметров, seed
// и идентичности инструмента. Одинаковый fingerprint означает одинаковый результат.
package stage
