package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rackscale/factoryflow/pkg/eventbus"
	"github.com/rackscale/factoryflow/pkg/events"
)

// Publisher is the subset of eventbus.EventBus the tracker needs.
type Publisher interface {
	Publish(ctx context.Context, key string, event eventbus.Event) error
}

// Tracker is the single lock-protected owner of every flow's execution
// state. Every mutating method persists the full snapshot to outputPath
// and publishes a ProgressUpdated event before releasing the lock, so a
// concurrent reader of the JSON file or a subscriber never observes a
// partially-updated flow.
type Tracker struct {
	mu         sync.RWMutex
	flows      map[string]*FlowInfo
	outputPath string
	publisher  Publisher
}

// New builds a Tracker that mirrors itself to outputPath on every mutation.
// publisher may be nil, in which case ProgressUpdated events are skipped.
func New(outputPath string, publisher Publisher) *Tracker {
	return &Tracker{
		flows:      make(map[string]*FlowInfo),
		outputPath: outputPath,
		publisher:  publisher,
	}
}

// AddFlow registers a new flow under key with totalSteps expected steps.
func (t *Tracker) AddFlow(ctx context.Context, key string, totalSteps int) *FlowInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := &FlowInfo{
		Name:       key,
		Status:     FlowStatusPending,
		TotalSteps: totalSteps,
		StartedAt:  time.Now(),
	}

	t.flows[key] = info

	t.persistAndPublishLocked(ctx, key)

	return info
}

// AddOptionalFlow registers key as a child of parentKey, triggered by
// triggeredByStep.
func (t *Tracker) AddOptionalFlow(ctx context.Context, parentKey, key, triggeredByStep string, totalSteps int) *FlowInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := &FlowInfo{
		Name:            key,
		Status:          FlowStatusPending,
		TotalSteps:      totalSteps,
		StartedAt:       time.Now(),
		IsOptionalFlow:  true,
		ParentFlowName:  parentKey,
		TriggeredByStep: triggeredByStep,
	}

	if parent, ok := t.flows[parentKey]; ok {
		if parent.OptionalFlows == nil {
			parent.OptionalFlows = make(map[string]*FlowInfo)
		}

		parent.OptionalFlows[key] = info
	}

	t.flows[key] = info

	t.persistAndPublishLocked(ctx, key)

	return info
}

// StartFlow marks key Running.
func (t *Tracker) StartFlow(ctx context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.flows[key]
	if !ok {
		return
	}

	info.Status = FlowStatusRunning

	t.persistAndPublishLocked(ctx, key)
}

// CompleteFlow marks key with a terminal status.
func (t *Tracker) CompleteFlow(ctx context.Context, key, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.flows[key]
	if !ok {
		return
	}

	info.Status = status
	info.CompletedAt = time.Now()
	info.TotalTest = info.CompletedAt.Sub(info.StartedAt)

	if status == FlowStatusFailed {
		for i := len(info.StepsExecuted) - 1; i >= 0; i-- {
			if info.StepsExecuted[i].Status == StatusFailed {
				info.ErrorMessages = append(info.ErrorMessages, info.StepsExecuted[i].ErrorMessages...)

				break
			}
		}
	}

	t.persistAndPublishLocked(ctx, key)
}

// StartStepExecution begins tracking one run of a step, retries included,
// and returns its record. Callers mutate the returned pointer only through the tracker's
// other methods, which hold the lock.
func (t *Tracker) StartStepExecution(ctx context.Context, flowKey, stepName, operation, deviceType, deviceID string, stepIndex int, params map[string]any) *StepExecution {
	t.mu.Lock()
	defer t.mu.Unlock()

	step := &StepExecution{
		ExecutionID: uuid.NewString(),
		FlowKey:     flowKey,
		StepName:    stepName,
		Operation:   operation,
		DeviceType:  deviceType,
		DeviceID:    deviceID,
		StepIndex:   stepIndex,
		StartedAt:   time.Now(),
		Status:      StatusRunning,
		Parameters:  params,
	}

	if info, ok := t.flows[flowKey]; ok {
		info.StepsExecuted = append(info.StepsExecuted, step)
		info.CurrentStep = stepName
	}

	t.persistAndPublishLocked(ctx, flowKey)

	return step
}

// CompleteStepExecution finalizes a step's record.
func (t *Tracker) CompleteStepExecution(ctx context.Context, flowKey string, step *StepExecution, status string, finalResult bool, errMessage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step.Status = status
	step.FinalResult = finalResult
	step.CompletedAt = time.Now()
	step.Duration = step.CompletedAt.Sub(step.StartedAt)

	if errMessage != "" {
		step.ErrorMessages = append(step.ErrorMessages, errMessage)
	}

	if info, ok := t.flows[flowKey]; ok && (status == StatusCompleted || status == StatusJumped) {
		info.CompletedStep++
	}

	t.persistAndPublishLocked(ctx, flowKey)
}

// RecordRetry appends one retry attempt's duration to a step's record.
func (t *Tracker) RecordRetry(ctx context.Context, flowKey string, step *StepExecution, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step.RetryAttempts++
	step.RetryDurations = append(step.RetryDurations, duration)

	t.persistAndPublishLocked(ctx, flowKey)
}

// RecordJump records that a step's completion caused the instruction
// pointer to move.
func (t *Tracker) RecordJump(ctx context.Context, flowKey string, step *StepExecution, kind, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step.JumpTaken = kind
	step.JumpTarget = target

	t.persistAndPublishLocked(ctx, flowKey)
}

// RecordOptionalFlowTriggered notes that step triggered an optional flow;
// its result is recorded separately by RecordOptionalFlowResult.
func (t *Tracker) RecordOptionalFlowTriggered(ctx context.Context, flowKey string, step *StepExecution, optionalFlowName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step.OptionalFlowsTriggered = append(step.OptionalFlowsTriggered, optionalFlowName)

	t.persistAndPublishLocked(ctx, flowKey)
}

// RecordOptionalFlowResult records the outcome of a previously triggered
// optional flow.
func (t *Tracker) RecordOptionalFlowResult(ctx context.Context, flowKey string, step *StepExecution, optionalFlowName string, result bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if step.OptionalFlowResults == nil {
		step.OptionalFlowResults = make(map[string]bool)
	}

	step.OptionalFlowResults[optionalFlowName] = result

	t.persistAndPublishLocked(ctx, flowKey)
}

// RecordErrorHandler records that a named error handler ran for step and
// its outcome.
func (t *Tracker) RecordErrorHandler(ctx context.Context, flowKey string, step *StepExecution, handlerName string, result bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	step.ErrorHandlerExecuted = handlerName
	step.ErrorHandlerResult = &result

	t.persistAndPublishLocked(ctx, flowKey)
}

// Snapshot returns the current FlowInfo for key, or nil if unknown. The
// returned value is a shallow copy safe to read without holding the lock;
// its StepsExecuted slice is shared and must be treated read-only.
func (t *Tracker) Snapshot(key string) *FlowInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.flows[key]
	if !ok {
		return nil
	}

	copied := *info

	return &copied
}

// SnapshotAll returns every tracked flow, top-level and optional.
func (t *Tracker) SnapshotAll() map[string]*FlowInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]*FlowInfo, len(t.flows))

	for key, info := range t.flows {
		copied := *info
		out[key] = &copied
	}

	return out
}

// persistAndPublishLocked writes the full snapshot to disk and publishes a
// ProgressUpdated event. Callers must already hold t.mu.
func (t *Tracker) persistAndPublishLocked(ctx context.Context, changedKey string) {
	if t.outputPath != "" {
		if err := t.writeLocked(); err != nil {
			// Persistence is best-effort: the in-memory ledger is the
			// source of truth for the running process, the JSON file is
			// an artifact for external consumers.
			fmt.Fprintf(os.Stderr, "factoryflow: failed to write %s: %v\n", t.outputPath, err)
		}
	}

	if t.publisher != nil {
		event := events.NewProgressUpdated(changedKey)
		if err := t.publisher.Publish(ctx, changedKey, event); err != nil {
			fmt.Fprintf(os.Stderr, "factoryflow: failed to publish progress update: %v\n", err)
		}
	}
}

func (t *Tracker) writeLocked() error {
	document := struct {
		Flows map[string]*FlowInfo `json:"flows"`
	}{Flows: t.flows}

	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	if dir := filepath.Dir(t.outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create progress directory: %w", err)
		}
	}

	tmpPath := t.outputPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp progress file: %w", err)
	}

	if err := os.Rename(tmpPath, t.outputPath); err != nil {
		return fmt.Errorf("rename progress file: %w", err)
	}

	return nil
}
