package stage

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
)

// DryRunExecutor — executor, имитирующий stage без запуска инструмента.
//
// Ожидает Delay (поддерживает отмену через context) и возвращает
// детерминированный результат: артефакт stage и метрику dry_run.
// Используется в dev-окружении (VGAP_EXECUTOR=dryrun).
type DryRunExecutor struct {
	Tool  pipeline.Tool
	Delay time.Duration
}

// Execute выполняет задержку и возвращает имитированный результат.
func (e *DryRunExecutor) Execute(ctx context.Context, req *Request) (*domain.StageOutput, error) {
	delay := e.Delay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	artifact := path.Join("dryrun", req.RunID.String(), req.SampleName, fmt.Sprintf("%s.out", req.Stage))
	return &domain.StageOutput{
		Ref:         artifact,
		Metrics:     map[string]any{fmt.Sprintf("%s_dry_run", req.Stage): true},
		Artifacts:   map[string]string{string(req.Stage): artifact},
		ToolName:    e.Tool.Name,
		ToolVersion: e.Tool.Version,
		Seeds:       map[string]int64{e.Tool.Name: req.Seed},
	}, nil
}
