// Package retention удаляет старые терминальные runs.
//
// Sweeper по cron-расписанию находит runs, завершённые раньше now-MaxAge,
// удаляет их вместе с samples, stage executions, provenance и записями
// отчётов, а затем объекты отчётов в хранилище артефактов (префикс
// runs/{run_id}/).
//
// Использование:
//
//	sw, err := retention.New(retention.Config{
//	    Store:     store,
//	    Artifacts: artifacts, // опционально
//	    Schedule:  "0 3 * * *",
//	    MaxAge:    90 * 24 * time.Hour,
//	    Logger:    logger,
//	})
//	sw.Start(ctx)
//	defer sw.Stop()
//
// Sweeper не реализует leader election: при нескольких экземплярах
// vgap-retention лидер выбирается в main.go через pg_try_advisory_lock.
package retention
