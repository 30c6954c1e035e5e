// Package handlers implements the built-in named error handlers that a
// flow's execute_on_error or settings.execute_on_error can reference.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rackscale/factoryflow/internal/registry"
)

const (
	// DefaultErrorHandlerName records the failure and lets the flow fail.
	DefaultErrorHandlerName = "default_error_handler"

	// CollectNVDebugLogsName runs nvdebug against the failed device and
	// archives its output alongside the run's logs before letting the
	// flow fail.
	CollectNVDebugLogsName = "error_handler_collect_nvdebug_logs"

	// RetryFlowOnceName restarts the owning flow from its first step, at
	// most once per flow key.
	RetryFlowOnceName = "error_handler_retry_flow_once"
)

// RegisterDefaults installs the three built-in handlers into reg. logDir
// is where error_handler_collect_nvdebug_logs writes its capture; an empty
// logDir disables the capture but still lets the flow fail cleanly.
func RegisterDefaults(reg *registry.ErrorHandlerRegistry, logger *slog.Logger, logDir string) {
	reg.Register(DefaultErrorHandlerName, defaultErrorHandler(logger))
	reg.Register(CollectNVDebugLogsName, collectNVDebugLogs(logger, logDir))
	reg.RegisterRestart(RetryFlowOnceName, retryFlowOnce(logger))
}

func defaultErrorHandler(logger *slog.Logger) registry.ErrorHandler {
	return func(_ context.Context, info registry.ErrorHandlerInfo) (bool, error) {
		logger.Error("step failed, no recovery configured",
			"flow", info.FlowKey,
			"step", info.StepName,
			"device_type", info.DeviceType,
			"device_id", info.DeviceID,
			"operation", info.Operation,
			"message", info.FailMessage,
		)

		return false, nil
	}
}

// collectNVDebugLogs shells out to nvdebug with a bounded deadline and
// writes its output under logDir. nvdebug is the platform's standard
// diagnostic bundle collector; a missing binary or a timeout is logged and
// swallowed so log collection never masks the original failure.
func collectNVDebugLogs(logger *slog.Logger, logDir string) registry.ErrorHandler {
	return func(ctx context.Context, info registry.ErrorHandlerInfo) (bool, error) {
		if logDir == "" {
			logger.Warn("nvdebug collection skipped: no log directory configured", "device_id", info.DeviceID)

			return false, nil
		}

		deadline := time.Now().Add(2 * time.Minute)

		runCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		outPath := filepath.Join(logDir, fmt.Sprintf("nvdebug_%s.log", info.DeviceID))

		cmd := exec.CommandContext(runCtx, "nvdebug", "--device", info.DeviceID, "--out", outPath)

		logger.Info("collecting nvdebug bundle",
			"device_id", info.DeviceID,
			"out", outPath,
			"deadline", deadline.Format(time.RFC3339),
		)

		watchdog := cron.New()
		watchdog.Schedule(cron.Every(2*time.Minute), cron.FuncJob(func() {
			logger.Warn("nvdebug capture is still running at its deadline", "device_id", info.DeviceID)
		}))
		watchdog.Start()

		defer watchdog.Stop()

		if err := cmd.Run(); err != nil {
			logger.Error("nvdebug collection failed", "device_id", info.DeviceID, "error", err)

			return false, nil
		}

		return false, nil
	}
}

// retryFlowOnce restarts the owning flow from its first step, but only the
// first time it is invoked for a given flow key; a second failure of the
// same flow falls through to an ordinary failure so a broken flow can
// never retry forever.
func retryFlowOnce(logger *slog.Logger) registry.RestartHandler {
	var (
		mu    sync.Mutex
		spent map[string]bool
	)

	spent = make(map[string]bool)

	return func(_ context.Context, info registry.ErrorHandlerInfo) (bool, error) {
		mu.Lock()
		defer mu.Unlock()

		if spent[info.FlowKey] {
			logger.Warn("retry_flow_once already used for this flow, letting it fail", "flow", info.FlowKey)

			return false, nil
		}

		spent[info.FlowKey] = true

		logger.Warn("retrying flow from its first step", "flow", info.FlowKey, "step", info.StepName)

		return true, nil
	}
}
