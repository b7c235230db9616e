package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики VGAP. Регистрируются в default registry и отдаются
// через promhttp.Handler() на /metrics.
var (
	// StageExecutions — завершённые попытки stages по stage и исходу.
	StageExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgap_stage_executions_total",
		Help: "Stage executions by stage and result kind",
	}, []string{"stage", "result"})

	// StageDuration — длительность выполнения stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vgap_stage_duration_seconds",
		Help:    "Stage execution wall-clock duration",
		Buckets: prometheus.ExponentialBuckets(0.5, 4, 10),
	}, []string{"stage"})

	// DispatcherQueueDepth — submissions, ожидающие свободного слота.
	DispatcherQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vgap_dispatcher_queue_depth",
		Help: "Stage submissions waiting for a worker slot",
	})

	// DispatcherInFlight — выполняющиеся stage executions.
	DispatcherInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vgap_dispatcher_in_flight",
		Help: "Stage executions currently running",
	})

	// DispatcherCapacityExceeded — submissions, принятые при заполненном пуле.
	DispatcherCapacityExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vgap_dispatcher_capacity_exceeded_total",
		Help: "Submissions queued because the worker pool was saturated",
	})

	// DispatcherDeduplicated — submissions, обслуженные без нового вызова executor'а.
	DispatcherDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgap_dispatcher_deduplicated_total",
		Help: "Submissions served without a new executor invocation",
	}, []string{"reason"})

	// RunTransitions — переходы статусов run.
	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgap_run_transitions_total",
		Help: "Run status transitions",
	}, []string{"to"})

	// ReportsGenerated — сгенерированные отчёты.
	ReportsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgap_reports_generated_total",
		Help: "Generated report artifacts by format",
	}, []string{"format"})

	// RetentionPurged — runs, удалённые retention sweep'ом.
	RetentionPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vgap_retention_purged_runs_total",
		Help: "Runs removed by the retention sweeper",
	})

	// MessagesConsumed — команды из RabbitMQ по очереди и решению.
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgap_mq_messages_consumed_total",
		Help: "Consumed queue messages by queue and disposition",
	}, []string{"queue", "disposition"})

	// HTTPRequests — обработанные HTTP запросы API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vgap_api_http_requests_total",
		Help: "HTTP requests handled by vgap-api",
	}, []string{"method", "code"})
)
