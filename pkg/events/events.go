// Package events defines the structured events the execution engine
// publishes for every step and flow boundary. Presentation (gui/log/json
// renderers) and the optional fleet-wide export are independent subscribers
// of the same stream; the progress tracker publishes ProgressUpdated onto it.
package events

import "time"

// EventType identifies the shape of an event payload.
type EventType string

const (
	// Topic is the in-process pub/sub topic every engine event is published
	// to. When fleet export is enabled the same topic name is mirrored to
	// Kafka.
	Topic = "factoryflow.events"

	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"

	FlowStartedEvent          EventType = "flow.started"
	FlowFinishedEvent         EventType = "flow.finished"
	StepStartedEvent          EventType = "step.started"
	StepFinishedEvent         EventType = "step.finished"
	JumpRecordedEvent         EventType = "jump.recorded"
	OptionalFlowStartedEvent  EventType = "optional_flow.started"
	OptionalFlowFinishedEvent EventType = "optional_flow.finished"
	ProgressUpdatedEvent      EventType = "progress.updated"
)

// BaseEvent carries the fields common to every event.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	FlowKey   string    `json:"flow_key"`
}

func (b BaseEvent) GetType() EventType { return b.Type }

// FlowStarted is published when an IndependentFlow begins executing.
type FlowStarted struct {
	BaseEvent

	TotalSteps int `json:"total_steps"`
}

// FlowFinished is published once an IndependentFlow reaches a terminal
// status (Completed or Failed).
type FlowFinished struct {
	BaseEvent

	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
}

// StepStarted is published at the beginning of each attempt of a step.
type StepStarted struct {
	BaseEvent

	StepName string `json:"step_name"`
	Attempt  int    `json:"attempt"`
}

// StepFinished is published once a step's retry cluster is resolved
// (success, failure, or skipped by a jump).
type StepFinished struct {
	BaseEvent

	StepName      string        `json:"step_name"`
	Operation     string        `json:"operation"`
	Status        string        `json:"status"`
	FinalResult   bool          `json:"final_result"`
	Duration      time.Duration `json:"duration"`
	RetryAttempts int           `json:"retry_attempts"`
}

// JumpRecorded is published whenever the instruction pointer is moved by a
// jump_on_success/jump_on_failure resolution.
type JumpRecorded struct {
	BaseEvent

	Kind     string `json:"kind"`
	FromTag  string `json:"from_tag"`
	ToTag    string `json:"to_tag"`
}

// OptionalFlowStarted/Finished bracket the execution of a recovery
// sub-flow triggered by execute_optional_flow.
type OptionalFlowStarted struct {
	BaseEvent

	CallerStep      string `json:"caller_step"`
	OptionalFlowKey string `json:"optional_flow_key"`
}

type OptionalFlowFinished struct {
	BaseEvent

	CallerStep      string `json:"caller_step"`
	OptionalFlowKey string `json:"optional_flow_key"`
	Status          string `json:"status"`
}

// ProgressUpdated carries no payload of its own; it signals that the
// tracker's snapshot has changed and is safe to re-read.
type ProgressUpdated struct {
	BaseEvent
}

func newBase(eventType EventType, flowKey string) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		FlowKey:   flowKey,
	}
}

// NewFlowStarted builds a FlowStarted event.
func NewFlowStarted(flowKey string, totalSteps int) FlowStarted {
	return FlowStarted{
		BaseEvent:  newBase(FlowStartedEvent, flowKey),
		TotalSteps: totalSteps,
	}
}

// NewFlowFinished builds a FlowFinished event.
func NewFlowFinished(flowKey, status string, duration time.Duration) FlowFinished {
	return FlowFinished{
		BaseEvent: newBase(FlowFinishedEvent, flowKey),
		Status:    status,
		Duration:  duration,
	}
}

// NewStepStarted builds a StepStarted event.
func NewStepStarted(flowKey, stepName string, attempt int) StepStarted {
	return StepStarted{
		BaseEvent: newBase(StepStartedEvent, flowKey),
		StepName:  stepName,
		Attempt:   attempt,
	}
}

// NewStepFinished builds a StepFinished event.
func NewStepFinished(flowKey, stepName, operation, status string, finalResult bool, duration time.Duration, retryAttempts int) StepFinished {
	return StepFinished{
		BaseEvent:     newBase(StepFinishedEvent, flowKey),
		StepName:      stepName,
		Operation:     operation,
		Status:        status,
		FinalResult:   finalResult,
		Duration:      duration,
		RetryAttempts: retryAttempts,
	}
}

// NewJumpRecorded builds a JumpRecorded event.
func NewJumpRecorded(flowKey, kind, fromTag, toTag string) JumpRecorded {
	return JumpRecorded{
		BaseEvent: newBase(JumpRecordedEvent, flowKey),
		Kind:      kind,
		FromTag:   fromTag,
		ToTag:     toTag,
	}
}

// NewOptionalFlowStarted builds an OptionalFlowStarted event.
func NewOptionalFlowStarted(flowKey, callerStep, optionalFlowKey string) OptionalFlowStarted {
	return OptionalFlowStarted{
		BaseEvent:       newBase(OptionalFlowStartedEvent, flowKey),
		CallerStep:      callerStep,
		OptionalFlowKey: optionalFlowKey,
	}
}

// NewOptionalFlowFinished builds an OptionalFlowFinished event.
func NewOptionalFlowFinished(flowKey, callerStep, optionalFlowKey, status string) OptionalFlowFinished {
	return OptionalFlowFinished{
		BaseEvent:       newBase(OptionalFlowFinishedEvent, flowKey),
		CallerStep:      callerStep,
		OptionalFlowKey: optionalFlowKey,
		Status:          status,
	}
}

// NewProgressUpdated builds a ProgressUpdated event.
func NewProgressUpdated(flowKey string) ProgressUpdated {
	return ProgressUpdated{BaseEvent: newBase(ProgressUpdatedEvent, flowKey)}
}
