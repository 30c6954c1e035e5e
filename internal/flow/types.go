// Package flow defines the in-memory flow graph (FlowStep, ParallelStep,
// IndependentFlow, OptionalFlow, Flow) and the loader that builds it from a
// post-expansion YAML tree.
package flow

// DeviceType enumerates the two device kinds the engine dispatches to.
type DeviceType string

const (
	DeviceTypeCompute DeviceType = "compute"
	DeviceTypeSwitch  DeviceType = "switch"
)

// FlowStep is the atomic unit of work: one operation against one device.
type FlowStep struct {
	Name                      string
	DeviceType                DeviceType `validate:"required,oneof=compute switch"`
	DeviceID                  string     `validate:"required"`
	Operation                 string     `validate:"required"`
	Parameters                map[string]any
	Tag                       string
	RetryCount                int
	WaitAfterSeconds          int
	WaitBetweenRetriesSeconds int
	TimeoutSeconds            int
	JumpOnSuccess             *string
	JumpOnFailure             *string
	ExecuteOptionalFlow       *string
	ExecuteOnError            *string

	// Index is this step's position within the owning scope's Steps slice,
	// assigned by the loader during scope construction.
	Index int
}

// ParallelStep runs its children concurrently; it succeeds iff every child
// succeeds. Children have no tags and cannot jump.
type ParallelStep struct {
	Name       string
	Children   []FlowStep
	MaxWorkers int
}

// StepKind discriminates the two shapes a Step can hold.
type StepKind string

const (
	StepKindFlow     StepKind = "flow"
	StepKindParallel StepKind = "parallel"
)

// Step is a closed, two-variant union over FlowStep and ParallelStep. A
// plain struct with a Kind discriminant is used instead of an interface
// because the engine pattern-matches over exactly these two shapes and
// never needs a third.
type Step struct {
	Kind     StepKind
	FlowStep *FlowStep
	Parallel *ParallelStep
}

// IndependentFlow is a self-contained, tag-isolated sequence of steps. It
// owns its own instruction pointer during execution.
type IndependentFlow struct {
	Name  string
	Steps []Step

	// tags maps a tag to the index of the step that declared it, within
	// this flow's own scope.
	tags map[string]int
}

// ResolveTag looks up a tag within this flow's scope.
func (f *IndependentFlow) ResolveTag(tag string) (int, bool) {
	idx, ok := f.tags[tag]

	return idx, ok
}

// OptionalFlow has the same shape as IndependentFlow; it is named and
// triggerable by a FlowStep's execute_optional_flow.
type OptionalFlow = IndependentFlow

// TopLevelKind discriminates the two shapes a top-level entry can take
// before the engine's batching pass wraps everything into IndependentFlow.
type TopLevelKind string

const (
	// TopLevelKindStep wraps a single authored FlowStep or ParallelStep
	// into a synthetic single-step IndependentFlow.
	TopLevelKindStep TopLevelKind = "step"

	// TopLevelKindIndependentGroup carries one or more explicitly authored
	// IndependentFlows declared together under one YAML entry.
	TopLevelKindIndependentGroup TopLevelKind = "independent_group"
)

// TopLevelEntry is one item of the top-level steps list, before batching.
// Flows has length 1 for TopLevelKindStep (the synthetic wrapper) and
// length >= 1 for TopLevelKindIndependentGroup.
type TopLevelEntry struct {
	Kind  TopLevelKind
	Flows []*IndependentFlow
}

// Flow is the top-level graph produced by the loader.
type Flow struct {
	Entries        []TopLevelEntry
	OptionalFlows  map[string]*OptionalFlow
	ExecuteOnError string
}
