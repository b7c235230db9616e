package orchestrator

import (
	"context"
	"errors"

	"github.com/shaiso/vgap/internal/mq"
)

// handleRunQueued обрабатывает команду run.queued.
//
// Команда приходит после start и после retry sample: если run уже
// ведётся этим экземпляром, driver перечитывает его.
func (o *Orchestrator) handleRunQueued(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunCommandPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.queued payload", "error", err)
		return err
	}

	o.logger.Debug("received run.queued command", "run_id", payload.RunID)

	if err := o.acquire(ctx, payload.RunID); err != nil {
		if errors.Is(err, ErrOrchestratorStopped) {
			// Вернётся в очередь и достанется другому экземпляру.
			return err
		}
		o.logger.Error("failed to acquire run", "run_id", payload.RunID, "error", err)
		return err
	}
	return nil
}

// handleRunCancel обрабатывает команду run.cancel.
//
// Флаг отмены уже записан в хранилище. Если run ведёт другой экземпляр,
// он увидит флаг при следующем heartbeat, поэтому команда подтверждается.
func (o *Orchestrator) handleRunCancel(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.RunCommandPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.cancel payload", "error", err)
		return err
	}

	d := o.getActiveRun(payload.RunID)
	if d == nil {
		o.logger.Debug("run.cancel for run not driven here", "run_id", payload.RunID)
		return nil
	}
	d.notify()
	return nil
}
