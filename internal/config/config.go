package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
	"github.com/shaiso/vgap/internal/preflight"
	"github.com/shaiso/vgap/internal/report"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/retention"
	"github.com/shaiso/vgap/internal/stage"
)

// Prefix — префикс переменных окружения.
const Prefix = "VGAP"

// Config — конфигурация процессов vgap.
type Config struct {
	// Env — окружение: development, production, test.
	Env string `envconfig:"ENV" default:"production" validate:"oneof=development production test"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text"`

	// Store — хранилище состояния: postgres или memory (только для одного процесса).
	Store       string `envconfig:"STORE" default:"postgres" validate:"oneof=postgres memory"`
	DatabaseURL string `envconfig:"DATABASE_URL" validate:"required_if=Store postgres"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	Migrate     bool   `envconfig:"MIGRATE" default:"true"`

	// RabbitURL — адрес RabbitMQ. Пусто — только polling.
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080" validate:"required"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090" validate:"required"`

	Orchestrator Orchestrator `envconfig:"ORCHESTRATOR"`
	Preflight    Preflight    `envconfig:"PREFLIGHT"`
	Artifacts    Artifacts    `envconfig:"ARTIFACTS"`
	Retention    Retention    `envconfig:"RETENTION"`
}

// Orchestrator — параметры движка.
type Orchestrator struct {
	// Capacity — размер пула stage executions.
	Capacity int `envconfig:"CAPACITY" default:"4" validate:"gte=1,lte=1024"`

	// StageTimeout — таймаут stage, если pipeline его не задаёт.
	StageTimeout time.Duration `envconfig:"STAGE_TIMEOUT" default:"2h" validate:"gt=0"`

	LeaseTTL     time.Duration `envconfig:"LEASE_TTL" default:"30s" validate:"gte=1s"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"10s" validate:"gte=100ms"`

	// OwnerID — идентификатор экземпляра (default: hostname + uuid).
	OwnerID string `envconfig:"OWNER_ID"`

	// WorkRoot — корень рабочих директорий stages.
	WorkRoot string `envconfig:"WORK_ROOT" default:"/var/lib/vgap/work"`

	// PipelineFile — YAML определения pipeline. Пусто — встроенное.
	PipelineFile string `envconfig:"PIPELINE_FILE"`

	// Executor — executor для stages без command: none или dryrun.
	Executor string `envconfig:"EXECUTOR" default:"none" validate:"oneof=none dryrun"`
}

// Preflight — параметры pre-flight валидации.
type Preflight struct {
	CheckFiles     bool   `envconfig:"CHECK_FILES" default:"true"`
	MaxFileSize    int64  `envconfig:"MAX_FILE_SIZE" default:"21474836480" validate:"gte=1"`
	RecordsToCheck int    `envconfig:"RECORDS_TO_CHECK" default:"1000" validate:"gte=1"`
	SchemesDir     string `envconfig:"SCHEMES_DIR"`
	ReferencesDir  string `envconfig:"REFERENCES_DIR"`
}

// Artifacts — хранилище отчётов.
type Artifacts struct {
	// Backend — minio или memory.
	Backend   string `envconfig:"BACKEND" default:"minio" validate:"oneof=minio memory"`
	Endpoint  string `envconfig:"ENDPOINT" default:"localhost:9000" validate:"required_if=Backend minio"`
	AccessKey string `envconfig:"ACCESS_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
	Bucket    string `envconfig:"BUCKET" default:"vgap-reports" validate:"required_if=Backend minio"`
	Region    string `envconfig:"REGION" default:"us-east-1"`
	UseSSL    bool   `envconfig:"USE_SSL" default:"false"`
}

// Retention — параметры очистки старых runs.
type Retention struct {
	Cron      string `envconfig:"CRON" default:"0 3 * * *" validate:"cron"`
	Days      int    `envconfig:"DAYS" default:"90" validate:"gte=1"`
	BatchSize int    `envconfig:"BATCH_SIZE" default:"100" validate:"gte=1"`
}

// Load читает конфигурацию из окружения и проверяет её.
// files — .env файлы для development (default: ".env").
func Load(files ...string) (*Config, error) {
	if isDevelopment() {
		if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// isDevelopment проверяет VGAP_ENV до разбора остальных переменных.
func isDevelopment() bool {
	return strings.EqualFold(os.Getenv(Prefix+"_ENV"), "development")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return retention.ValidateCronExpr(fl.Field().String()) == nil
	})
	return v
}

// Validate проверяет значения полей.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fieldRule(fe), fe.Value()))
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// IsDev — development окружение.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// LoadPipeline возвращает определение pipeline из PipelineFile или встроенное.
func (c *Config) LoadPipeline() (*pipeline.Definition, error) {
	if c.Orchestrator.PipelineFile == "" {
		return pipeline.Default(), nil
	}
	return pipeline.Load(c.Orchestrator.PipelineFile)
}

// StoreConfig — параметры открытия хранилища состояния.
func (c *Config) StoreConfig() repo.OpenConfig {
	return repo.OpenConfig{
		Backend: c.Store,
		Pool:    repo.PoolConfig{DSN: c.DatabaseURL, MaxConns: c.DBMaxConns},
		Migrate: c.Migrate,
	}
}

// Registry строит таблицу executors по определению pipeline.
// Stages без command получают DryRunExecutor при Executor=dryrun.
func (c *Config) Registry(def *pipeline.Definition) *stage.Registry {
	var fallback func(domain.StageKind, pipeline.Tool) stage.Executor
	if c.Orchestrator.Executor == "dryrun" {
		fallback = func(_ domain.StageKind, tool pipeline.Tool) stage.Executor {
			return &stage.DryRunExecutor{Tool: tool}
		}
	}
	return stage.NewRegistryFromDefinition(def, fallback)
}

// PreflightConfig — конфигурация pre-flight валидатора.
func (c *Config) PreflightConfig() preflight.Config {
	return preflight.Config{
		CheckFiles:     c.Preflight.CheckFiles,
		MaxFileSize:    c.Preflight.MaxFileSize,
		RecordsToCheck: c.Preflight.RecordsToCheck,
		SchemesDir:     c.Preflight.SchemesDir,
		ReferencesDir:  c.Preflight.ReferencesDir,
	}
}

// MinIOConfig — конфигурация хранилища отчётов.
func (c *Config) MinIOConfig() report.MinIOConfig {
	return report.MinIOConfig{
		Endpoint:  c.Artifacts.Endpoint,
		AccessKey: c.Artifacts.AccessKey,
		SecretKey: c.Artifacts.SecretKey,
		Bucket:    c.Artifacts.Bucket,
		Region:    c.Artifacts.Region,
		UseSSL:    c.Artifacts.UseSSL,
	}
}

// RetentionMaxAge — срок хранения терминальных runs.
func (c *Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// Redacted возвращает копию без секретов (для логирования при старте).
func (c *Config) Redacted() Config {
	out := *c
	out.DatabaseURL = maskURL(c.DatabaseURL)
	out.RabbitURL = maskURL(c.RabbitURL)
	out.Artifacts.SecretKey = maskSecret(c.Artifacts.SecretKey)
	return out
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// maskURL скрывает пароль в URL подключения.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
