// Package tracker implements the Progress Tracker: an in-memory,
// thread-safe execution ledger that mirrors itself to a flow_progress.json
// artifact on every mutation and publishes ProgressUpdated events from the
// same critical section as the write.
package tracker

import "time"

// StepExecution is the execution record for one run of a FlowStep,
// covering all of its retry attempts. Its lifecycle is Running -> {Completed, Failed, Jumped,
// Skipped}.
type StepExecution struct {
	ExecutionID string `json:"execution_id"`
	FlowKey     string `json:"flow_key"`
	StepName    string `json:"step_name"`
	Operation   string `json:"operation"`
	DeviceType  string `json:"device_type"`
	DeviceID    string `json:"device_id"`
	StepIndex   int    `json:"step_index"`

	RetryCount                int    `json:"retry_count"`
	TimeoutSeconds            int    `json:"timeout_seconds,omitempty"`
	WaitAfterSeconds          int    `json:"wait_after_seconds"`
	WaitBetweenRetriesSeconds int    `json:"wait_between_retries_seconds"`
	ExecuteOnError            string `json:"execute_on_error,omitempty"`
	ExecuteOptionalFlow       string `json:"execute_optional_flow,omitempty"`
	JumpOnSuccess             string `json:"jump_on_success,omitempty"`
	JumpOnFailure             string `json:"jump_on_failure,omitempty"`
	Tag                       string `json:"tag,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`

	Status      string `json:"status"`
	FinalResult bool   `json:"final_result"`

	RetryAttempts  int             `json:"retry_attempts"`
	RetryDurations []time.Duration `json:"retry_durations,omitempty"`

	JumpTaken  string `json:"jump_taken,omitempty"`
	JumpTarget string `json:"jump_target,omitempty"`

	OptionalFlowsTriggered []string        `json:"optional_flows_triggered,omitempty"`
	OptionalFlowResults    map[string]bool `json:"optional_flow_results,omitempty"`

	ErrorMessages        []string `json:"error_messages,omitempty"`
	ErrorHandlerExecuted string   `json:"error_handler_executed,omitempty"`
	ErrorHandlerResult   *bool    `json:"error_handler_result,omitempty"`

	Parameters map[string]any `json:"parameters,omitempty"`
}

// Step lifecycle states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusJumped    = "jumped"
	StatusSkipped   = "skipped"
)

// FlowInfo aggregates statistics and holds the executed steps for one
// IndependentFlow or OptionalFlow run.
type FlowInfo struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	CurrentStep   string `json:"current_step,omitempty"`
	CompletedStep int    `json:"completed_steps"`
	TotalSteps    int    `json:"total_steps"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	TotalTest   time.Duration `json:"total_testtime"`

	StepsExecuted []*StepExecution `json:"steps_executed"`

	IsOptionalFlow   bool   `json:"is_optional_flow,omitempty"`
	ParentFlowName   string `json:"parent_flow_name,omitempty"`
	TriggeredByStep  string `json:"triggered_by_step,omitempty"`

	OptionalFlows map[string]*FlowInfo `json:"optional_flows,omitempty"`

	ErrorMessages []string `json:"error_messages,omitempty"`
}

// Flow lifecycle states.
const (
	FlowStatusPending   = "Pending"
	FlowStatusRunning   = "Running"
	FlowStatusCompleted = "Completed"
	FlowStatusFailed    = "Failed"
	FlowStatusError     = "Error"
)

// Statistics are the derived, auto-calculated performance aggregates for
// one flow, computed on demand from its StepsExecuted list.
type Statistics struct {
	TotalStepDuration    time.Duration `json:"total_step_duration"`
	AverageStepDuration  time.Duration `json:"average_step_duration"`
	LongestStepDuration  time.Duration `json:"longest_step_duration"`
	StepWithMostRetries  string        `json:"step_with_most_retries,omitempty"`
	RetriesExecuted      int           `json:"retries_executed"`
	JumpOnSuccessCount   int           `json:"jump_on_success_executed"`
	JumpOnFailureCount   int           `json:"jump_on_failure_executed"`
	OptionalFlowsCount   int           `json:"total_optional_flows_triggered"`
	FailedStepsCount     int           `json:"failed_steps_count"`
}

// Compute derives Statistics from a flow's executed steps.
func Compute(steps []*StepExecution) Statistics {
	var stats Statistics

	var mostRetries int

	for _, step := range steps {
		stats.TotalStepDuration += step.Duration

		if step.Duration > stats.LongestStepDuration {
			stats.LongestStepDuration = step.Duration
		}

		if step.RetryAttempts > mostRetries {
			mostRetries = step.RetryAttempts
			stats.StepWithMostRetries = step.StepName
		}

		stats.RetriesExecuted += step.RetryAttempts

		switch step.JumpTaken {
		case "success":
			stats.JumpOnSuccessCount++
		case "failure":
			stats.JumpOnFailureCount++
		}

		stats.OptionalFlowsCount += len(step.OptionalFlowsTriggered)

		if step.Status == StatusFailed {
			stats.FailedStepsCount++
		}
	}

	if len(steps) > 0 {
		stats.AverageStepDuration = stats.TotalStepDuration / time.Duration(len(steps))
	}

	return stats
}
