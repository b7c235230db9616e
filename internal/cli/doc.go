// Package cli реализует инструмент командной строки vgapctl.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с VGAP API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
// CLI используется для управления runs, просмотра provenance и отчётов.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для VGAP API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок. Ошибки API возвращаются как *APIError
// с кодом, remediation и замечаниями валидации.
//
//	client := cli.NewClient("http://localhost:8080")
//	runs, total, err := client.ListRuns(cli.ListRunsOpts{Status: "running"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: vgapctl run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: list, create, show, config, validate, start, cancel, retry, status, executions
//   - provenance: show, manifest, verify
//   - report: generate, list, download
//
// Manifest run и конфигурация читаются из YAML (gopkg.in/yaml.v3);
// JSON тоже принимается.
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
