// Package engine implements the execution engine: it walks a loaded Flow's
// tag-scoped instruction pointer, dispatches steps through the operation
// registry, and applies the four-level failure protocol (optional flow,
// jump on failure, step-level error handler, flow failed).
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/flow"
	"github.com/rackscale/factoryflow/internal/registry"
	"github.com/rackscale/factoryflow/internal/tracker"
	"github.com/rackscale/factoryflow/pkg/eventbus"
	"go.opentelemetry.io/otel/trace"
)

// Engine ties the operation, device and error-handler registries to the
// progress tracker and event bus, and runs a loaded Flow to completion.
type Engine struct {
	cfg           *config.Configuration
	operations    *registry.OperationRegistry
	devices       *registry.DeviceRegistry
	errorHandlers *registry.ErrorHandlerRegistry
	tracker       *tracker.Tracker
	events        eventbus.EventPublisher
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New builds an Engine. events may be nil to disable event publication;
// tracer may be nil to run without span emission (the default when no OTLP
// endpoint is configured).
func New(
	cfg *config.Configuration,
	operations *registry.OperationRegistry,
	devices *registry.DeviceRegistry,
	errorHandlers *registry.ErrorHandlerRegistry,
	progressTracker *tracker.Tracker,
	events eventbus.EventPublisher,
	logger *slog.Logger,
	tracer trace.Tracer,
) *Engine {
	return &Engine{
		cfg:           cfg,
		operations:    operations,
		devices:       devices,
		errorHandlers: errorHandlers,
		tracker:       progressTracker,
		events:        events,
		logger:        logger,
		tracer:        tracer,
	}
}

// Result is the outcome of running one top-level flow.
type Result struct {
	Key     string
	Success bool
}

// Run executes every top-level entry of f in declaration order, batching
// maximal runs of consecutive independent-flow-group entries so their
// member flows run concurrently. It returns once every entry has reached a
// terminal state, or as soon as any batch reports a failure: any
// IndependentFlow failing aborts the remaining top-level entries rather
// than continuing on to unrelated devices.
func (e *Engine) Run(ctx context.Context, f *flow.Flow) ([]Result, bool) {
	batches := batchEntries(f.Entries)

	var results []Result

	overallSuccess := true

	for _, batch := range batches {
		batchResults := e.runBatch(ctx, f, batch)
		results = append(results, batchResults...)

		for _, r := range batchResults {
			if !r.Success {
				overallSuccess = false
			}
		}

		if !overallSuccess || ctx.Err() != nil {
			break
		}
	}

	return results, overallSuccess
}

// batch is a maximal run of IndependentFlows meant to execute concurrently:
// either the flows of one or more consecutive independent_flows YAML
// entries, or a single wrapped FlowStep/ParallelStep entry (batch size 1).
type batch struct {
	flows []*flow.IndependentFlow
}

// batchEntries implements the batching pass: consecutive
// TopLevelKindIndependentGroup entries merge into one batch; a
// TopLevelKindStep entry is always its own solo batch.
func batchEntries(entries []flow.TopLevelEntry) []batch {
	batches := make([]batch, 0, len(entries))

	var current *batch

	for _, entry := range entries {
		if entry.Kind == flow.TopLevelKindIndependentGroup {
			if current == nil {
				batches = append(batches, batch{})
				current = &batches[len(batches)-1]
			}

			current.flows = append(current.flows, entry.Flows...)

			continue
		}

		batches = append(batches, batch{flows: entry.Flows})
		current = nil
	}

	return batches
}

func (e *Engine) runBatch(ctx context.Context, f *flow.Flow, b batch) []Result {
	if len(b.flows) == 1 {
		scope := b.flows[0]

		return []Result{{Key: scope.Name, Success: e.runIndependentFlow(ctx, f, scope.Name, scope, "", "")}}
	}

	results := make([]Result, len(b.flows))

	var wg sync.WaitGroup

	for i, scope := range b.flows {
		wg.Add(1)

		go func(i int, scope *flow.IndependentFlow) {
			defer wg.Done()

			results[i] = Result{Key: scope.Name, Success: e.runIndependentFlow(ctx, f, scope.Name, scope, "", "")}
		}(i, scope)
	}

	wg.Wait()

	return results
}
