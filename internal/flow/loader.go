package flow

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/rackscale/factoryflow/internal/config"
)

// Load builds a Flow from a post-expansion YAML document tree (the result
// of yaml.Unmarshal followed by expand.Tree). knownOperations and
// knownErrorHandlers come from the operation and error-handler registries;
// flow is decoupled from those packages so it never imports them.
//
// Six passes run in order: shape (gojsonschema + validator), registries,
// scope construction, tag uniqueness, reference resolution, and default
// propagation from configuration.settings.
func Load(
	root any,
	cfg *config.Configuration,
	knownOperations map[DeviceType]map[string]bool,
	knownErrorHandlers map[string]bool,
) (*Flow, error) {
	doc, ok := root.(map[string]any)
	if !ok {
		return nil, newValidationError("document", "flow document root must be a mapping")
	}

	if err := validateShape(doc); err != nil {
		return nil, err
	}

	rawSteps, _ := doc["steps"].([]any)

	entries := make([]TopLevelEntry, 0, len(rawSteps))

	for i, rawEntry := range rawSteps {
		path := fmt.Sprintf("steps[%d]", i)

		entryMap, ok := rawEntry.(map[string]any)
		if !ok {
			return nil, newValidationError(path, "step entry must be a mapping")
		}

		entry, err := decodeTopLevelEntry(entryMap, path)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	optionalFlows := make(map[string]*OptionalFlow)

	if rawOptional, ok := doc["optional_flows"].(map[string]any); ok {
		for name, rawFlow := range rawOptional {
			path := fmt.Sprintf("optional_flows.%s", name)

			flowMap, ok := rawFlow.(map[string]any)
			if !ok {
				return nil, newValidationError(path, "optional flow must be a mapping")
			}

			steps, ok := flowMap["steps"].([]any)
			if !ok {
				return nil, newValidationError(path, "optional flow must define a steps list")
			}

			decodedSteps, err := decodeSteps(steps, path)
			if err != nil {
				return nil, err
			}

			optionalFlows[name] = &IndependentFlow{Name: name, Steps: decodedSteps}
		}
	}

	flow := &Flow{Entries: entries, OptionalFlows: optionalFlows}

	if executeOnError, ok := doc["execute_on_error"].(string); ok && executeOnError != "" {
		flow.ExecuteOnError = executeOnError
	} else {
		flow.ExecuteOnError = cfg.Settings.ExecuteOnError
	}

	allScopes := flow.allScopes()

	validate := validator.New(validator.WithRequiredStructEnabled())

	for _, scope := range allScopes {
		if err := buildScope(scope); err != nil {
			return nil, err
		}

		if err := validateRegistries(scope, cfg, knownOperations, validate); err != nil {
			return nil, err
		}
	}

	if flow.ExecuteOnError != "" && !knownErrorHandlers[flow.ExecuteOnError] {
		return nil, newValidationError("execute_on_error", "unknown error handler %q", flow.ExecuteOnError)
	}

	for _, scope := range allScopes {
		if err := resolveReferences(scope, optionalFlows, knownErrorHandlers); err != nil {
			return nil, err
		}
	}

	for _, scope := range allScopes {
		applyDefaults(scope, cfg)
	}

	return flow, nil
}

// allScopes returns every IndependentFlow in the document: every top-level
// entry's flows plus every optional flow. Each is tag-isolated from the
// others.
func (f *Flow) allScopes() []*IndependentFlow {
	scopes := make([]*IndependentFlow, 0, len(f.Entries)+len(f.OptionalFlows))

	for _, entry := range f.Entries {
		scopes = append(scopes, entry.Flows...)
	}

	for _, optional := range f.OptionalFlows {
		scopes = append(scopes, optional)
	}

	return scopes
}

func decodeTopLevelEntry(entryMap map[string]any, path string) (TopLevelEntry, error) {
	if _, ok := entryMap["independent_flows"]; ok {
		flows, err := decodeIndependentGroup(entryMap, path)
		if err != nil {
			return TopLevelEntry{}, err
		}

		return TopLevelEntry{Kind: TopLevelKindIndependentGroup, Flows: flows}, nil
	}

	if _, ok := entryMap["parallel"]; ok {
		parallel, err := decodeParallelStep(entryMap, path)
		if err != nil {
			return TopLevelEntry{}, err
		}

		wrapped := &IndependentFlow{
			Name:  parallel.Name,
			Steps: []Step{{Kind: StepKindParallel, Parallel: parallel}},
		}

		return TopLevelEntry{Kind: TopLevelKindStep, Flows: []*IndependentFlow{wrapped}}, nil
	}

	step, err := decodeFlowStep(entryMap, path)
	if err != nil {
		return TopLevelEntry{}, err
	}

	wrapped := &IndependentFlow{
		Name:  step.Name,
		Steps: []Step{{Kind: StepKindFlow, FlowStep: step}},
	}

	return TopLevelEntry{Kind: TopLevelKindStep, Flows: []*IndependentFlow{wrapped}}, nil
}

func decodeIndependentGroup(entryMap map[string]any, path string) ([]*IndependentFlow, error) {
	rawFlows, ok := entryMap["independent_flows"].([]any)
	if !ok {
		return nil, newValidationError(path, "independent_flows must be a list")
	}

	flows := make([]*IndependentFlow, 0, len(rawFlows))

	for i, rawFlow := range rawFlows {
		flowPath := fmt.Sprintf("%s.independent_flows[%d]", path, i)

		flowMap, ok := rawFlow.(map[string]any)
		if !ok {
			return nil, newValidationError(flowPath, "independent flow must be a mapping")
		}

		name, _ := flowMap["name"].(string)

		rawSteps, ok := flowMap["steps"].([]any)
		if !ok {
			return nil, newValidationError(flowPath, "independent flow must define a steps list")
		}

		steps, err := decodeSteps(rawSteps, flowPath)
		if err != nil {
			return nil, err
		}

		flows = append(flows, &IndependentFlow{Name: name, Steps: steps})
	}

	return flows, nil
}

func decodeSteps(rawSteps []any, path string) ([]Step, error) {
	steps := make([]Step, 0, len(rawSteps))

	for i, rawStep := range rawSteps {
		stepPath := fmt.Sprintf("%s.steps[%d]", path, i)

		stepMap, ok := rawStep.(map[string]any)
		if !ok {
			return nil, newValidationError(stepPath, "step must be a mapping")
		}

		if _, ok := stepMap["parallel"]; ok {
			parallel, err := decodeParallelStep(stepMap, stepPath)
			if err != nil {
				return nil, err
			}

			steps = append(steps, Step{Kind: StepKindParallel, Parallel: parallel})

			continue
		}

		flowStep, err := decodeFlowStep(stepMap, stepPath)
		if err != nil {
			return nil, err
		}

		steps = append(steps, Step{Kind: StepKindFlow, FlowStep: flowStep})
	}

	return steps, nil
}

func decodeParallelStep(raw map[string]any, path string) (*ParallelStep, error) {
	name, _ := raw["name"].(string)

	rawChildren, ok := raw["parallel"].([]any)
	if !ok {
		return nil, newValidationError(path, "parallel must be a list")
	}

	children := make([]FlowStep, 0, len(rawChildren))

	for i, rawChild := range rawChildren {
		childPath := fmt.Sprintf("%s.parallel[%d]", path, i)

		childMap, ok := rawChild.(map[string]any)
		if !ok {
			return nil, newValidationError(childPath, "parallel child must be a mapping")
		}

		child, err := decodeFlowStep(childMap, childPath)
		if err != nil {
			return nil, err
		}

		children = append(children, *child)
	}

	maxWorkers := getInt(raw, "max_workers", len(children))

	return &ParallelStep{Name: name, Children: children, MaxWorkers: maxWorkers}, nil
}

func decodeFlowStep(raw map[string]any, path string) (*FlowStep, error) {
	step := &FlowStep{
		Name:                      getString(raw, "name", ""),
		DeviceType:                DeviceType(getString(raw, "device_type", "")),
		DeviceID:                  getString(raw, "device_id", ""),
		Operation:                 getString(raw, "operation", ""),
		Tag:                       getString(raw, "tag", ""),
		RetryCount:                getInt(raw, "retry_count", 0),
		WaitAfterSeconds:          getInt(raw, "wait_after_seconds", 0),
		WaitBetweenRetriesSeconds: getInt(raw, "wait_between_retries_seconds", 0),
		TimeoutSeconds:            getInt(raw, "timeout_seconds", 0),
		JumpOnSuccess:             getStringPtr(raw, "jump_on_success"),
		JumpOnFailure:             getStringPtr(raw, "jump_on_failure"),
		ExecuteOptionalFlow:       getStringPtr(raw, "execute_optional_flow"),
		ExecuteOnError:            getStringPtr(raw, "execute_on_error"),
	}

	if params, ok := raw["parameters"].(map[string]any); ok {
		step.Parameters = params
	}

	if step.DeviceType == "" || step.DeviceID == "" || step.Operation == "" {
		return nil, newValidationError(path, "device_type, device_id and operation are required")
	}

	return step, nil
}

// buildScope assigns sequential indexes and builds the tag index for one
// IndependentFlow, failing on a duplicate tag within the scope.
func buildScope(scope *IndependentFlow) error {
	scope.tags = make(map[string]int)

	for i := range scope.Steps {
		step := &scope.Steps[i]
		if step.Kind != StepKindFlow {
			continue
		}

		step.FlowStep.Index = i

		if step.FlowStep.Tag == "" {
			continue
		}

		if _, exists := scope.tags[step.FlowStep.Tag]; exists {
			return newValidationError(
				fmt.Sprintf("%s.steps[%d]", scope.Name, i),
				"duplicate tag %q within flow scope", step.FlowStep.Tag,
			)
		}

		scope.tags[step.FlowStep.Tag] = i
	}

	return nil
}

func validateRegistries(
	scope *IndependentFlow,
	cfg *config.Configuration,
	knownOperations map[DeviceType]map[string]bool,
	validate *validator.Validate,
) error {
	for i := range scope.Steps {
		step := scope.Steps[i]

		var flowSteps []*FlowStep

		switch step.Kind {
		case StepKindFlow:
			flowSteps = []*FlowStep{step.FlowStep}
		case StepKindParallel:
			for j := range step.Parallel.Children {
				flowSteps = append(flowSteps, &step.Parallel.Children[j])
			}
		}

		for _, fs := range flowSteps {
			if err := validate.Struct(fs); err != nil {
				return newValidationError(fmt.Sprintf("%s.steps[%d]", scope.Name, i), "%w", err)
			}

			ops, ok := knownOperations[fs.DeviceType]
			if !ok || !ops[fs.Operation] {
				return newValidationError(
					fmt.Sprintf("%s.steps[%d]", scope.Name, i),
					"unknown operation %q for device type %q", fs.Operation, fs.DeviceType,
				)
			}

			if _, ok := cfg.Connection[string(fs.DeviceType)][fs.DeviceID]; !ok {
				return newValidationError(
					fmt.Sprintf("%s.steps[%d]", scope.Name, i),
					"unknown device %q of type %q: no connection entry", fs.DeviceID, fs.DeviceType,
				)
			}
		}
	}

	return nil
}

func resolveReferences(scope *IndependentFlow, optionalFlows map[string]*OptionalFlow, knownErrorHandlers map[string]bool) error {
	for i := range scope.Steps {
		step := scope.Steps[i]
		if step.Kind != StepKindFlow {
			continue
		}

		fs := step.FlowStep
		stepPath := fmt.Sprintf("%s.steps[%d]", scope.Name, i)

		if fs.JumpOnSuccess != nil {
			if _, ok := scope.ResolveTag(*fs.JumpOnSuccess); !ok {
				return newValidationError(stepPath, "jump_on_success target tag %q not found in this flow's scope", *fs.JumpOnSuccess)
			}
		}

		if fs.JumpOnFailure != nil {
			if _, ok := scope.ResolveTag(*fs.JumpOnFailure); !ok {
				return newValidationError(stepPath, "jump_on_failure target tag %q not found in this flow's scope", *fs.JumpOnFailure)
			}
		}

		if fs.ExecuteOptionalFlow != nil {
			if _, ok := optionalFlows[*fs.ExecuteOptionalFlow]; !ok {
				return newValidationError(stepPath, "execute_optional_flow %q is not defined", *fs.ExecuteOptionalFlow)
			}
		}

		if fs.ExecuteOnError != nil && *fs.ExecuteOnError != "" {
			if !knownErrorHandlers[*fs.ExecuteOnError] {
				return newValidationError(stepPath, "unknown error handler %q", *fs.ExecuteOnError)
			}
		}
	}

	return nil
}

func applyDefaults(scope *IndependentFlow, cfg *config.Configuration) {
	for i := range scope.Steps {
		step := &scope.Steps[i]
		if step.Kind != StepKindFlow {
			continue
		}

		fs := step.FlowStep

		if fs.RetryCount == 0 {
			fs.RetryCount = cfg.Settings.DefaultRetryCount
		}

		if fs.WaitAfterSeconds == 0 {
			fs.WaitAfterSeconds = cfg.Settings.DefaultWaitAfterSeconds
		}
	}
}

func getString(raw map[string]any, key, fallback string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}

	return fallback
}

func getStringPtr(raw map[string]any, key string) *string {
	v, ok := raw[key].(string)
	if !ok || v == "" {
		return nil
	}

	return &v
}

func getInt(raw map[string]any, key string, fallback int) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
