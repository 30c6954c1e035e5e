package tracker_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackscale/factoryflow/pkg/eventbus"
	"github.com/rackscale/factoryflow/internal/tracker"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(_ context.Context, key string, _ eventbus.Event) error {
	f.published = append(f.published, key)

	return nil
}

func TestTracker_AddAndCompleteFlow(t *testing.T) {
	dir := t.TempDir()
	pub := &fakePublisher{}
	tr := tracker.New(filepath.Join(dir, "flow_progress.json"), pub)

	ctx := context.Background()

	info := tr.AddFlow(ctx, "flow-a", 2)
	assert.Equal(t, tracker.FlowStatusPending, info.Status)

	tr.StartFlow(ctx, "flow-a")

	step := tr.StartStepExecution(ctx, "flow-a", "stage", "stage_firmware", "compute", "bmc-01", 0, nil)
	tr.CompleteStepExecution(ctx, "flow-a", step, tracker.StatusCompleted, true, "")

	tr.CompleteFlow(ctx, "flow-a", tracker.FlowStatusCompleted)

	snap := tr.Snapshot("flow-a")
	require.NotNil(t, snap)
	assert.Equal(t, tracker.FlowStatusCompleted, snap.Status)
	assert.Equal(t, 1, snap.CompletedStep)
	assert.NotEmpty(t, pub.published)
}

func TestTracker_PersistsProgressFile(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "flow_progress.json")
	tr := tracker.New(outputPath, nil)

	tr.AddFlow(context.Background(), "flow-a", 1)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)

	var doc struct {
		Flows map[string]*tracker.FlowInfo `json:"flows"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc.Flows, "flow-a")
}

func TestTracker_CompleteFlowCollectsLastFailureMessages(t *testing.T) {
	tr := tracker.New("", nil)
	ctx := context.Background()

	tr.AddFlow(ctx, "flow-a", 1)

	step := tr.StartStepExecution(ctx, "flow-a", "stage", "stage_firmware", "compute", "bmc-01", 0, nil)
	tr.CompleteStepExecution(ctx, "flow-a", step, tracker.StatusFailed, false, "device unreachable")

	tr.CompleteFlow(ctx, "flow-a", tracker.FlowStatusFailed)

	snap := tr.Snapshot("flow-a")
	require.NotNil(t, snap)
	assert.Contains(t, snap.ErrorMessages, "device unreachable")
}

func TestTracker_AddOptionalFlowLinksToParent(t *testing.T) {
	tr := tracker.New("", nil)
	ctx := context.Background()

	tr.AddFlow(ctx, "flow-a", 1)
	tr.AddOptionalFlow(ctx, "flow-a", "recover", "stage", 1)

	parent := tr.Snapshot("flow-a")
	require.NotNil(t, parent)
	require.Contains(t, parent.OptionalFlows, "recover")
	assert.Equal(t, "stage", parent.OptionalFlows["recover"].TriggeredByStep)
}

func TestTracker_RecordRetryAndJump(t *testing.T) {
	tr := tracker.New("", nil)
	ctx := context.Background()

	tr.AddFlow(ctx, "flow-a", 1)
	step := tr.StartStepExecution(ctx, "flow-a", "stage", "stage_firmware", "compute", "bmc-01", 0, nil)

	tr.RecordRetry(ctx, "flow-a", step, 5*time.Millisecond)
	tr.RecordRetry(ctx, "flow-a", step, 10*time.Millisecond)
	tr.RecordJump(ctx, "flow-a", step, "success", "finish")

	assert.Equal(t, 2, step.RetryAttempts)
	assert.Equal(t, "success", step.JumpTaken)
	assert.Equal(t, "finish", step.JumpTarget)
}

func TestCompute_DerivesStatisticsFromSteps(t *testing.T) {
	steps := []*tracker.StepExecution{
		{StepName: "a", Duration: 10 * time.Millisecond, RetryAttempts: 1, Status: tracker.StatusCompleted},
		{StepName: "b", Duration: 30 * time.Millisecond, RetryAttempts: 3, Status: tracker.StatusFailed, JumpTaken: "failure"},
	}

	stats := tracker.Compute(steps)

	assert.Equal(t, 40*time.Millisecond, stats.TotalStepDuration)
	assert.Equal(t, 20*time.Millisecond, stats.AverageStepDuration)
	assert.Equal(t, 30*time.Millisecond, stats.LongestStepDuration)
	assert.Equal(t, "b", stats.StepWithMostRetries)
	assert.Equal(t, 4, stats.RetriesExecuted)
	assert.Equal(t, 1, stats.JumpOnFailureCount)
	assert.Equal(t, 1, stats.FailedStepsCount)
}
