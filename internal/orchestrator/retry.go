package orchestrator

import (
	"time"

	"github.com/shaiso/vgap/internal/pipeline"
)

// calculateBackoff вычисляет задержку перед повторной попыткой stage.
// attempt — номер только что завершившейся попытки (начиная с 1).
func calculateBackoff(attempt int, policy pipeline.RetryPolicy) time.Duration {
	initialDelay := policy.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		// delay = initialDelay * 2^(attempt-1)
		delay = initialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
