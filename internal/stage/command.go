package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
	"github.com/shaiso/vgap/internal/provenance"
)

const (
	// stderrTailSize — сколько байт stderr сохраняется для сообщения об ошибке.
	stderrTailSize = 4 << 10

	// defaultWaitDelay — сколько ждать закрытия pipes после сигнала группе процессов.
	defaultWaitDelay = 10 * time.Second
)

// defaultFatalExitCodes — коды выхода, означающие отказ инструмента от входных данных.
var defaultFatalExitCodes = []int{2, 65}

// CommandExecutor — executor, запускающий внешний инструмент.
//
// Аргументы рендерятся шаблонами над Request. Инструмент запускается в своей
// группе процессов; при отмене ctx сигнал получает вся группа.
//
// Инструмент печатает в stdout JSON документ результата:
//
//	{"ref": "...", "metrics": {...}, "artifacts": {"bam": "..."},
//	 "seeds": {"iqtree": 12345},
//	 "error": {"code": "...", "message": "...", "remediation": "...", "fatal": true}}
//
// Пустой stdout при нулевом коде выхода означает успех без метрик.
type CommandExecutor struct {
	Command pipeline.Command
	Tool    pipeline.Tool

	// FatalExitCodes — коды выхода, классифицируемые как FatalFailure.
	FatalExitCodes []int

	// WaitDelay — ожидание после сигнала группе процессов.
	WaitDelay time.Duration
}

// NewCommandExecutor создаёт executor для команды.
func NewCommandExecutor(cmd pipeline.Command, tool pipeline.Tool) *CommandExecutor {
	return &CommandExecutor{
		Command:        cmd,
		Tool:           tool,
		FatalExitCodes: defaultFatalExitCodes,
		WaitDelay:      defaultWaitDelay,
	}
}

// toolResult — JSON документ, который инструмент печатает в stdout.
type toolResult struct {
	Ref       string            `json:"ref"`
	Metrics   map[string]any    `json:"metrics"`
	Artifacts map[string]string `json:"artifacts"`
	Seeds     map[string]int64  `json:"seeds"`
	Version   string            `json:"version"`
	Error     *struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		Remediation string `json:"remediation"`
		Fatal       bool   `json:"fatal"`
	} `json:"error"`
}

// Execute запускает инструмент и разбирает его результат.
func (e *CommandExecutor) Execute(ctx context.Context, req *Request) (*domain.StageOutput, error) {
	args, err := RenderArgs(e.Command.Args, req)
	if err != nil {
		return nil, Fatal("COMMAND_TEMPLATE_INVALID", err.Error(),
			"fix the stage command template in the pipeline definition")
	}

	inputSums, err := provenance.ChecksumFiles(localPaths(req.Inputs))
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.Command.Path, args...)
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		terminateProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = e.WaitDelay
	if req.WorkDir != "" {
		if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
			return nil, Transient("WORKDIR_UNAVAILABLE", "cannot create stage work directory", err)
		}
		cmd.Dir = req.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range e.Command.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("VGAP_RUN_ID=%s", req.RunID),
		fmt.Sprintf("VGAP_SAMPLE_ID=%s", req.SampleID),
		fmt.Sprintf("VGAP_STAGE=%s", req.Stage),
		fmt.Sprintf("VGAP_SEED=%d", req.Seed),
	)

	var stdout bytes.Buffer
	stderr := &tailWriter{limit: stderrTailSize}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	// Отмена и таймаут важнее кода выхода: процесс был убит нами.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var result toolResult
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil && runErr == nil {
			return nil, Fatal("TOOL_RESULT_INVALID",
				fmt.Sprintf("%v: %v", ErrInvalidToolResult, err),
				"the tool must print a JSON result document on stdout")
		}
	}

	if result.Error != nil {
		if result.Error.Fatal {
			return nil, Fatal(result.Error.Code, result.Error.Message, result.Error.Remediation)
		}
		return nil, Transient(result.Error.Code, result.Error.Message, runErr)
	}

	if runErr != nil {
		return nil, e.classifyRunError(runErr, stderr.String())
	}

	outputSums, err := provenance.ChecksumFiles(localPaths(result.Artifacts))
	if err != nil {
		return nil, Transient("OUTPUT_UNREADABLE", "cannot checksum stage outputs", err)
	}

	version := e.Tool.Version
	if result.Version != "" {
		version = result.Version
	}

	return &domain.StageOutput{
		Ref:            result.Ref,
		Metrics:        result.Metrics,
		Artifacts:      result.Artifacts,
		InputChecksums: inputSums,
		Checksums:      outputSums,
		ToolName:       e.Tool.Name,
		ToolVersion:    version,
		Seeds:          result.Seeds,
	}, nil
}

func (e *CommandExecutor) classifyRunError(err error, stderrTail string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return Fatal("TOOL_NOT_FOUND",
			fmt.Sprintf("tool %s not found", e.Command.Path),
			"install the tool or fix its path in the pipeline definition")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		msg := fmt.Sprintf("%s exited with code %d", e.Tool.Name, code)
		if tail := strings.TrimSpace(stderrTail); tail != "" {
			msg += ": " + lastLine(tail)
		}
		for _, fatal := range e.FatalExitCodes {
			if code == fatal {
				return Fatal("TOOL_REJECTED_INPUT", msg, "inspect the sample input files and stage parameters")
			}
		}
		return Transient("TOOL_FAILED", msg, err)
	}

	return Transient("TOOL_START_FAILED", "cannot start tool", err)
}

// localPaths оставляет только локальные файловые пути (без URI схемы).
func localPaths(files map[string]string) map[string]string {
	local := make(map[string]string, len(files))
	for k, v := range files {
		if v != "" && !strings.Contains(v, "://") {
			local[k] = v
		}
	}
	return local
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailWriter хранит последние limit байт записанного.
type tailWriter struct {
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return string(w.buf)
}
