package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rackscale/factoryflow/internal/flow"
	"github.com/rackscale/factoryflow/internal/registry"
	"github.com/rackscale/factoryflow/internal/tracker"
	"github.com/rackscale/factoryflow/pkg/events"
	"github.com/rackscale/factoryflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// stepOutcome tells the owning runIndependentFlow loop what to do next:
// move its instruction pointer to nextIndex, restart from the first step
// (a RestartHandler's doing), or abort the flow as failed. skipFlowHandler
// is set when Level A (a configured-but-failed optional flow) is the
// reason for the abort: per the failure protocol, a failed optional flow
// fails the owning flow immediately without running Levels B-D, including
// the flow-level cleanup handler.
type stepOutcome struct {
	nextIndex       int
	restartFlow     bool
	abortFlow       bool
	skipFlowHandler bool
	failureMessage  string
}

// runIndependentFlow owns one tag-scoped instruction pointer and walks it
// to completion, applying loop detection and the four-level failure
// protocol at every failed step.
func (e *Engine) runIndependentFlow(ctx context.Context, f *flow.Flow, key string, scope *flow.IndependentFlow, parentKey, triggeredByStep string) bool {
	if parentKey != "" {
		e.tracker.AddOptionalFlow(ctx, parentKey, key, triggeredByStep, len(scope.Steps))
	} else {
		e.tracker.AddFlow(ctx, key, len(scope.Steps))
	}

	e.tracker.StartFlow(ctx, key)

	if e.events != nil {
		e.events.Publish(ctx, key, events.NewFlowStarted(key, len(scope.Steps)))
	}

	loopCap := e.cfg.EffectiveLoopCap()
	visits := make(map[int]int)

	success := true
	ip := 0
	cancelled := false
	skipFlowHandler := false
	lastFailureMessage := ""

stepLoop:
	for {
		if ctx.Err() != nil {
			success = false
			cancelled = true

			break
		}

		if ip < 0 || ip >= len(scope.Steps) {
			break
		}

		visits[ip]++

		if visits[ip] > loopCap {
			e.logf(slog.LevelError, "loop detection cap exceeded", "flow", key, "step_index", ip, "cap", loopCap)

			success = false
			lastFailureMessage = "loop detection cap exceeded"

			break
		}

		step := scope.Steps[ip]

		switch step.Kind {
		case flow.StepKindFlow:
			outcome := e.runFlowStep(ctx, f, key, scope, step.FlowStep, ip)

			switch {
			case outcome.abortFlow:
				success = false
				skipFlowHandler = outcome.skipFlowHandler
				lastFailureMessage = outcome.failureMessage

				break stepLoop
			case outcome.restartFlow:
				ip = 0
				visits = make(map[int]int)

				continue stepLoop
			default:
				ip = outcome.nextIndex
			}
		case flow.StepKindParallel:
			if !e.runParallelStep(ctx, key, step.Parallel) {
				success = false
				lastFailureMessage = "a parallel step child failed"

				break stepLoop
			}

			ip++
		}
	}

	// An optional flow never runs the flow-level handler itself: its failure
	// is reported to the owning flow, which fails without running it.
	if !success && !skipFlowHandler && parentKey == "" {
		reason := lastFailureMessage

		handlerCtx := ctx
		if cancelled {
			reason = "flow cancelled"
			handlerCtx = context.Background()
		}

		e.runFlowLevelHandler(handlerCtx, f, key, reason)
	}

	status := tracker.FlowStatusCompleted
	if !success {
		status = tracker.FlowStatusFailed
	}

	e.tracker.CompleteFlow(ctx, key, status)

	if e.events != nil {
		snapshot := e.tracker.Snapshot(key)

		duration := time.Duration(0)
		if snapshot != nil {
			duration = snapshot.TotalTest
		}

		e.events.Publish(ctx, key, events.NewFlowFinished(key, status, duration))
	}

	return success
}

// attemptStep resolves the operation and device, acquires the device lock,
// and runs the capability up to fs.RetryCount+1 times, honoring
// wait_between_retries_seconds and an optional per-attempt timeout.
// Registry/device/lock errors fail immediately without consuming retries:
// retrying a misconfigured operation name cannot change the outcome.
func (e *Engine) attemptStep(ctx context.Context, flowKey string, fs *flow.FlowStep, record *tracker.StepExecution) (bool, string) {
	capability, err := e.operations.Lookup(fs.DeviceType, fs.Operation)
	if err != nil {
		return false, err.Error()
	}

	device, err := e.devices.Get(fs.DeviceType, fs.DeviceID)
	if err != nil {
		return false, err.Error()
	}

	unlock, err := e.devices.Lock(ctx, fs.DeviceType, fs.DeviceID)
	if err != nil {
		return false, err.Error()
	}

	defer unlock(ctx)

	maxAttempts := fs.RetryCount + 1

	var ok bool

	var message string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.events != nil {
			e.events.Publish(ctx, flowKey, events.NewStepStarted(flowKey, fs.Name, attempt))
		}

		attemptStart := time.Now()

		stepCtx := ctx

		var cancel context.CancelFunc

		if fs.TimeoutSeconds > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(fs.TimeoutSeconds)*time.Second)
		}

		var span trace.Span

		if e.tracer != nil {
			stepCtx, span = otelhelper.StartSpan(stepCtx, e.tracer, fs.Name,
				attribute.String(otelhelper.FlowKeyKey, flowKey),
				attribute.String(otelhelper.StepNameKey, fs.Name),
				attribute.String(otelhelper.OperationKey, fs.Operation),
				attribute.String(otelhelper.DeviceTypeKey, string(fs.DeviceType)),
				attribute.String(otelhelper.DeviceIDKey, fs.DeviceID),
				attribute.Int(otelhelper.AttemptKey, attempt),
			)
		}

		var capErr error

		ok, message, capErr = capability(stepCtx, *device, fs.Parameters)

		if span != nil {
			if capErr != nil {
				otelhelper.SetError(span, capErr)
			}

			span.End()
		}

		if cancel != nil {
			cancel()
		}

		if capErr != nil {
			ok = false
			message = capErr.Error()
		}

		if ok {
			break
		}

		if attempt < maxAttempts {
			e.tracker.RecordRetry(ctx, flowKey, record, time.Since(attemptStart))

			waitContext(ctx, time.Duration(fs.WaitBetweenRetriesSeconds)*time.Second)
		}
	}

	return ok, message
}

func (e *Engine) runFlowStep(ctx context.Context, f *flow.Flow, flowKey string, scope *flow.IndependentFlow, fs *flow.FlowStep, ip int) stepOutcome {
	record := e.tracker.StartStepExecution(ctx, flowKey, fs.Name, fs.Operation, string(fs.DeviceType), fs.DeviceID, ip, fs.Parameters)

	ok, message := e.attemptStep(ctx, flowKey, fs, record)

	status := tracker.StatusFailed

	errMsg := message

	if ok {
		status = tracker.StatusCompleted
		errMsg = ""
	}

	e.tracker.CompleteStepExecution(ctx, flowKey, record, status, ok, errMsg)

	if e.events != nil {
		e.events.Publish(ctx, flowKey, events.NewStepFinished(flowKey, fs.Name, fs.Operation, status, ok, record.Duration, record.RetryAttempts))
	}

	level := slog.LevelInfo
	if !ok {
		level = slog.LevelError
	}

	e.logf(level, "step finished", "flow", flowKey, "step", fs.Name, "operation", fs.Operation, "device_id", fs.DeviceID, "ok", ok, "message", message)

	if ok {
		waitContext(ctx, time.Duration(fs.WaitAfterSeconds)*time.Second)

		if fs.JumpOnSuccess != nil {
			if target, found := scope.ResolveTag(*fs.JumpOnSuccess); found {
				e.tracker.RecordJump(ctx, flowKey, record, "success", *fs.JumpOnSuccess)

				if e.events != nil {
					e.events.Publish(ctx, flowKey, events.NewJumpRecorded(flowKey, "success", fs.Tag, *fs.JumpOnSuccess))
				}

				return stepOutcome{nextIndex: target}
			}
		}

		return stepOutcome{nextIndex: ip + 1}
	}

	return e.handleStepFailure(ctx, f, flowKey, scope, fs, record, ip, message)
}

// handleStepFailure implements the four-level failure protocol in priority
// order: an optional recovery flow, a jump to another tag in scope, a
// named error handler, and finally flow failure.
func (e *Engine) handleStepFailure(
	ctx context.Context,
	f *flow.Flow,
	flowKey string,
	scope *flow.IndependentFlow,
	fs *flow.FlowStep,
	record *tracker.StepExecution,
	ip int,
	message string,
) stepOutcome {
	if fs.ExecuteOptionalFlow != nil {
		if optionalScope, ok := f.OptionalFlows[*fs.ExecuteOptionalFlow]; ok {
			optionalKey := flowKey + "/" + *fs.ExecuteOptionalFlow

			e.tracker.RecordOptionalFlowTriggered(ctx, flowKey, record, *fs.ExecuteOptionalFlow)

			if e.events != nil {
				e.events.Publish(ctx, flowKey, events.NewOptionalFlowStarted(flowKey, fs.Name, optionalKey))
			}

			recovered := e.runIndependentFlow(ctx, f, optionalKey, optionalScope, flowKey, fs.Name)

			e.tracker.RecordOptionalFlowResult(ctx, flowKey, record, *fs.ExecuteOptionalFlow, recovered)

			if e.events != nil {
				status := tracker.FlowStatusFailed
				if recovered {
					status = tracker.FlowStatusCompleted
				}

				e.events.Publish(ctx, flowKey, events.NewOptionalFlowFinished(flowKey, fs.Name, optionalKey, status))
			}

			if recovered {
				return stepOutcome{nextIndex: ip + 1}
			}
		}

		// execute_optional_flow was configured but did not recover the step:
		// the owning flow fails immediately, skipping jump_on_failure, the
		// step-level handler, and the flow-level cleanup handler.
		return stepOutcome{abortFlow: true, skipFlowHandler: true, failureMessage: message}
	}

	if fs.JumpOnFailure != nil {
		if target, found := scope.ResolveTag(*fs.JumpOnFailure); found {
			e.tracker.RecordJump(ctx, flowKey, record, "failure", *fs.JumpOnFailure)

			if e.events != nil {
				e.events.Publish(ctx, flowKey, events.NewJumpRecorded(flowKey, "failure", fs.Tag, *fs.JumpOnFailure))
			}

			return stepOutcome{nextIndex: target}
		}
	}

	if fs.ExecuteOnError != nil && *fs.ExecuteOnError != "" {
		handlerName := *fs.ExecuteOnError

		info := registry.ErrorHandlerInfo{
			FlowKey:      flowKey,
			StepName:     fs.Name,
			DeviceType:   string(fs.DeviceType),
			DeviceID:     fs.DeviceID,
			Operation:    fs.Operation,
			FailMessage:  message,
			RetryAttempt: record.RetryAttempts,
		}

		if handler, ok := e.errorHandlers.Lookup(handlerName); ok {
			recovered, err := handler(ctx, info)

			e.tracker.RecordErrorHandler(ctx, flowKey, record, handlerName, err == nil)

			if recovered {
				return stepOutcome{nextIndex: ip + 1}
			}
		} else if restartHandler, ok := e.errorHandlers.LookupRestart(handlerName); ok {
			restart, err := restartHandler(ctx, info)

			e.tracker.RecordErrorHandler(ctx, flowKey, record, handlerName, err == nil)

			if restart {
				return stepOutcome{restartFlow: true}
			}
		}
	}

	return stepOutcome{abortFlow: true, failureMessage: message}
}

// runFlowLevelHandler implements Level D's flow-wide cleanup call: invoked
// at most once per flow run, only after the flow is already confirmed
// failed, with no step in scope (the step argument is conceptually null)
// and its return value ignored. name may have been registered as either
// handler contract; only a reported handler error is logged.
func (e *Engine) runFlowLevelHandler(ctx context.Context, f *flow.Flow, flowKey, failMessage string) {
	name := f.ExecuteOnError
	if name == "" {
		return
	}

	info := registry.ErrorHandlerInfo{FlowKey: flowKey, FailMessage: failMessage}

	if handler, ok := e.errorHandlers.Lookup(name); ok {
		if _, err := handler(ctx, info); err != nil {
			e.logf(slog.LevelWarn, "flow-level error handler reported an error", "flow", flowKey, "handler", name, "error", err)
		}

		return
	}

	if handler, ok := e.errorHandlers.LookupRestart(name); ok {
		if _, err := handler(ctx, info); err != nil {
			e.logf(slog.LevelWarn, "flow-level error handler reported an error", "flow", flowKey, "handler", name, "error", err)
		}
	}
}

// runParallelStep runs every child concurrently, bounded by MaxWorkers, and
// succeeds iff every child succeeds. Children have no tags and never jump.
func (e *Engine) runParallelStep(ctx context.Context, flowKey string, p *flow.ParallelStep) bool {
	if len(p.Children) == 0 {
		return true
	}

	maxWorkers := p.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = len(p.Children)
	}

	sem := make(chan struct{}, maxWorkers)
	results := make([]bool, len(p.Children))

	var wg sync.WaitGroup

	for i := range p.Children {
		wg.Add(1)

		sem <- struct{}{}

		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			child := &p.Children[i]

			record := e.tracker.StartStepExecution(ctx, flowKey, child.Name, child.Operation, string(child.DeviceType), child.DeviceID, child.Index, child.Parameters)

			ok, message := e.attemptStep(ctx, flowKey, child, record)

			status := tracker.StatusFailed

			errMsg := message

			if ok {
				status = tracker.StatusCompleted
				errMsg = ""
			}

			e.tracker.CompleteStepExecution(ctx, flowKey, record, status, ok, errMsg)

			results[i] = ok
		}(i)
	}

	wg.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}

	return true
}

func (e *Engine) logf(level slog.Level, msg string, args ...any) {
	if e.logger == nil {
		return
	}

	e.logger.Log(context.Background(), level, msg, args...)
}

// waitContext sleeps for d or until ctx is cancelled, whichever comes
// first, so a wait/backoff never outlives a shutdown signal.
func waitContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
