package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/orchestrator"
	"github.com/shaiso/vgap/internal/progress"
	"github.com/shaiso/vgap/internal/provenance"
	"github.com/shaiso/vgap/internal/report"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeInternalError     ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllow    ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody — детали ошибки.
type ErrorBody struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Remediation string    `json:"remediation,omitempty"`

	// Details — замечания валидации (блокирующие ошибки).
	Details []domain.ValidationIssue `json:"details,omitempty"`

	// Warnings — неблокирующие замечания валидации.
	Warnings []domain.ValidationIssue `json:"warnings,omitempty"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted отправляет ответ о принятой асинхронной операции (202).
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, body ErrorBody) {
	JSON(w, status, ErrorResponse{Error: body})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrorBody{Code: ErrCodeBadRequest, Message: message})
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrorBody{Code: ErrCodeNotFound, Message: message})
}

// Conflict отправляет ошибку 409.
func Conflict(w http.ResponseWriter, message, remediation string) {
	Error(w, http.StatusConflict, ErrorBody{Code: ErrCodeConflict, Message: message, Remediation: remediation})
}

// InternalError отправляет ошибку 500. Текст ошибки только в лог.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrorBody{
		Code:        ErrCodeInternalError,
		Message:     "internal server error",
		Remediation: "retry the request; contact the administrator if the problem persists",
	})
}

// HandleError преобразует ошибку сервисов в HTTP ответ.
// Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	var verr *orchestrator.ValidationError
	var terr *domain.InvalidTransitionError

	switch {
	case errors.As(err, &verr):
		Error(w, http.StatusUnprocessableEntity, ErrorBody{
			Code:        ErrCodeValidationFailed,
			Message:     "run failed pre-flight validation",
			Remediation: "fix the reported issues and start the run again",
			Details:     verr.Issues,
			Warnings:    verr.Warnings,
		})

	case errors.As(err, &terr):
		Error(w, http.StatusConflict, ErrorBody{
			Code:        ErrCodeInvalidTransition,
			Message:     terr.Error(),
			Remediation: "check the current run status before retrying the operation",
		})

	case errors.Is(err, orchestrator.ErrRunNotFound),
		errors.Is(err, progress.ErrRunNotFound),
		errors.Is(err, provenance.ErrRunNotFound),
		errors.Is(err, report.ErrRunNotFound):
		NotFound(w, "run not found")

	case errors.Is(err, orchestrator.ErrSampleNotFound):
		NotFound(w, "sample not found")

	case errors.Is(err, report.ErrReportNotFound):
		NotFound(w, "report not found")

	case errors.Is(err, orchestrator.ErrInvalidParams),
		errors.Is(err, report.ErrUnsupportedFormat):
		BadRequest(w, err.Error())

	case errors.Is(err, domain.ErrConfigFrozen):
		Conflict(w, "run configuration is frozen", "configuration can only be changed while the run is pending")

	case errors.Is(err, orchestrator.ErrConfigChanged):
		Conflict(w, err.Error(), "stop editing the configuration and start the run again")

	case errors.Is(err, orchestrator.ErrRetryNotAllowed):
		Conflict(w, err.Error(), "only failed samples of a running run can be retried")

	case errors.Is(err, report.ErrRunNotCompleted):
		Conflict(w, "run is not completed", "wait until the run completes before generating a report")

	default:
		InternalError(w, logger, err)
	}
	return true
}
