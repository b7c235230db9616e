package api

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/orchestrator"
)

// Run DTOs

// CreateRunRequest — запрос на создание run.
type CreateRunRequest struct {
	Name    string            `json:"name" validate:"required,max=200"`
	Mode    domain.Mode       `json:"mode" validate:"required,oneof=amplicon shotgun"`
	Samples []SampleRequest   `json:"samples" validate:"required,min=1,max=1000,dive"`
	Config  *RunConfigRequest `json:"config,omitempty"`
}

// SampleRequest — sample в запросе на создание run.
//
// Наличие и формат FASTQ проверяются pre-flight валидацией при start.
type SampleRequest struct {
	Name string `json:"name" validate:"required,max=200"`
	R1   string `json:"r1"`
	R2   string `json:"r2,omitempty"`
}

// RunConfigRequest — конфигурация анализа. Пропущенные поля получают
// значения по умолчанию.
type RunConfigRequest struct {
	PrimerScheme   string                              `json:"primer_scheme,omitempty"`
	Reference      string                              `json:"reference,omitempty"`
	MinDepth       *int                                `json:"min_depth,omitempty" validate:"omitempty,gte=1"`
	MinAlleleFreq  *float64                            `json:"min_allele_freq,omitempty" validate:"omitempty,gt=0,lte=1"`
	MinReadLength  *int                                `json:"min_read_length,omitempty" validate:"omitempty,gte=1"`
	MinBaseQuality *int                                `json:"min_base_quality,omitempty" validate:"omitempty,gte=0,lte=60"`
	Seed           *int64                              `json:"seed,omitempty"`
	Params         map[domain.StageKind]map[string]any `json:"params,omitempty"`
}

// ToDomain накладывает запрос на значения по умолчанию.
func (c *RunConfigRequest) ToDomain() domain.RunConfig {
	cfg := domain.DefaultRunConfig()
	if c == nil {
		return cfg
	}
	if c.PrimerScheme != "" {
		cfg.PrimerScheme = c.PrimerScheme
	}
	if c.Reference != "" {
		cfg.Reference = c.Reference
	}
	if c.MinDepth != nil {
		cfg.MinDepth = *c.MinDepth
	}
	if c.MinAlleleFreq != nil {
		cfg.MinAlleleFreq = *c.MinAlleleFreq
	}
	if c.MinReadLength != nil {
		cfg.MinReadLength = *c.MinReadLength
	}
	if c.MinBaseQuality != nil {
		cfg.MinBaseQuality = *c.MinBaseQuality
	}
	if c.Seed != nil {
		cfg.Seed = *c.Seed
	}
	cfg.Params = c.Params
	return cfg
}

// ToParams конвертирует запрос в параметры сервиса.
func (r *CreateRunRequest) ToParams() orchestrator.CreateRunParams {
	samples := make([]orchestrator.SampleParams, len(r.Samples))
	for i, s := range r.Samples {
		samples[i] = orchestrator.SampleParams{Name: s.Name, R1: s.R1, R2: s.R2}
	}
	cfg := r.Config.ToDomain()
	return orchestrator.CreateRunParams{
		Name:    r.Name,
		Mode:    r.Mode,
		Samples: samples,
		Config:  &cfg,
	}
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID              uuid.UUID           `json:"id"`
	Code            string              `json:"code"`
	Name            string              `json:"name"`
	Mode            domain.Mode         `json:"mode"`
	Status          domain.RunStatus    `json:"status"`
	CancelRequested bool                `json:"cancel_requested"`
	Config          domain.RunConfig    `json:"config"`
	ConfigFrozenAt  *time.Time          `json:"config_frozen_at,omitempty"`
	Samples         []SampleResponse    `json:"samples,omitempty"`
	Error           *domain.ErrorDetail `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	FinishedAt      *time.Time          `json:"finished_at,omitempty"`
}

// SampleResponse — ответ с sample.
type SampleResponse struct {
	ID           uuid.UUID           `json:"id"`
	Name         string              `json:"name"`
	Position     int                 `json:"position"`
	R1           string              `json:"r1"`
	R2           string              `json:"r2,omitempty"`
	Status       domain.SampleStatus `json:"status"`
	CurrentStage domain.StageKind    `json:"current_stage,omitempty"`
	FailedStage  domain.StageKind    `json:"failed_stage,omitempty"`
	Metrics      map[string]any      `json:"metrics,omitempty"`
	Error        *domain.ErrorDetail `json:"error,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	resp := RunResponse{
		ID:              r.ID,
		Code:            r.Code,
		Name:            r.Name,
		Mode:            r.Mode,
		Status:          r.Status,
		CancelRequested: r.CancelRequested,
		Config:          r.Config,
		ConfigFrozenAt:  r.ConfigFrozenAt,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
	for _, s := range r.Samples {
		resp.Samples = append(resp.Samples, SampleFromDomain(s))
	}
	return resp
}

// SampleFromDomain конвертирует domain.Sample в SampleResponse.
func SampleFromDomain(s domain.Sample) SampleResponse {
	return SampleResponse{
		ID:           s.ID,
		Name:         s.Name,
		Position:     s.Position,
		R1:           s.R1,
		R2:           s.R2,
		Status:       s.Status,
		CurrentStage: s.CurrentStage,
		FailedStage:  s.FailedStage,
		Metrics:      s.Metrics,
		Error:        s.Error,
		UpdatedAt:    s.UpdatedAt,
	}
}

// ValidationResponse — результат pre-flight проверки.
type ValidationResponse struct {
	Status   string                   `json:"status"`
	Errors   []domain.ValidationIssue `json:"errors"`
	Warnings []domain.ValidationIssue `json:"warnings"`
}

// ValidationFromDomain конвертирует отчёт валидации.
func ValidationFromDomain(r *domain.ValidationReport) ValidationResponse {
	resp := ValidationResponse{
		Status:   r.Status(),
		Errors:   r.Errors,
		Warnings: r.Warnings,
	}
	if resp.Errors == nil {
		resp.Errors = []domain.ValidationIssue{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []domain.ValidationIssue{}
	}
	return resp
}

// Report DTOs

// GenerateReportRequest — запрос на генерацию отчёта.
type GenerateReportRequest struct {
	Format domain.ReportFormat `json:"format,omitempty" validate:"omitempty,oneof=json"`
}

// requestValidator — проверка DTO по тегам validate.
type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

// Validate возвращает описание нарушенных правил или пустую строку.
func (rv *requestValidator) Validate(req any) string {
	err := rv.v.Struct(req)
	if err == nil {
		return ""
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		msgs = append(msgs, describeFieldError(field, fe))
	}
	return strings.Join(msgs, "; ")
}

func describeFieldError(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds maximum of %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}
