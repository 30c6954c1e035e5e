package flow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/flow"
)

func testConfig() *config.Configuration {
	return &config.Configuration{
		Connection: map[string]map[string]config.ConnectionEntry{
			"compute": {"bmc-01": {IP: "10.0.0.1"}},
			"switch":  {"sw-01": {IP: "10.0.0.2"}},
		},
		Settings: config.Settings{DefaultRetryCount: 2, DefaultWaitAfterSeconds: 5},
	}
}

func testKnownOperations() map[flow.DeviceType]map[string]bool {
	return map[flow.DeviceType]map[string]bool{
		flow.DeviceTypeCompute: {"stage_firmware": true, "apply_firmware": true},
		flow.DeviceTypeSwitch:  {"run_command": true},
	}
}

func testKnownErrorHandlers() map[string]bool {
	return map[string]bool{"default_error_handler": true, "error_handler_retry_flow_once": true}
}

func TestLoad_SequentialSteps(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{"name": "stage", "device_type": "compute", "device_id": "bmc-01", "operation": "stage_firmware"},
			map[string]any{"name": "apply", "device_type": "compute", "device_id": "bmc-01", "operation": "apply_firmware"},
		},
	}

	f, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)
	require.Len(t, f.Entries, 2)

	for _, entry := range f.Entries {
		assert.Equal(t, flow.TopLevelKindStep, entry.Kind)
		assert.Len(t, entry.Flows, 1)
	}
}

func TestLoad_AppliesConfigDefaults(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{"name": "stage", "device_type": "compute", "device_id": "bmc-01", "operation": "stage_firmware"},
		},
	}

	f, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)

	step := f.Entries[0].Flows[0].Steps[0].FlowStep
	assert.Equal(t, 2, step.RetryCount)
	assert.Equal(t, 5, step.WaitAfterSeconds)
}

func TestLoad_FlowLevelExecuteOnErrorFallsBackToConfigSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.ExecuteOnError = "default_error_handler"

	doc := map[string]any{
		"steps": []any{
			map[string]any{"name": "stage", "device_type": "compute", "device_id": "bmc-01", "operation": "stage_firmware"},
		},
	}

	f, err := flow.Load(doc, cfg, testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)
	assert.Equal(t, "default_error_handler", f.ExecuteOnError)
}

func TestLoad_FlowDocExecuteOnErrorOverridesConfigSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.ExecuteOnError = "default_error_handler"

	doc := map[string]any{
		"execute_on_error": "error_handler_retry_flow_once",
		"steps": []any{
			map[string]any{"name": "stage", "device_type": "compute", "device_id": "bmc-01", "operation": "stage_firmware"},
		},
	}

	f, err := flow.Load(doc, cfg, testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)
	assert.Equal(t, "error_handler_retry_flow_once", f.ExecuteOnError)
}

func TestLoad_StepExecuteOnErrorIsNeverPopulatedFromConfigSettings(t *testing.T) {
	cfg := testConfig()
	cfg.Settings.ExecuteOnError = "default_error_handler"

	doc := map[string]any{
		"steps": []any{
			map[string]any{"name": "stage", "device_type": "compute", "device_id": "bmc-01", "operation": "stage_firmware"},
		},
	}

	f, err := flow.Load(doc, cfg, testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)

	step := f.Entries[0].Flows[0].Steps[0].FlowStep
	assert.Nil(t, step.ExecuteOnError, "the flow-level handler must stay flow-scoped, never pushed into a step's own execute_on_error")
}

func TestLoad_UnknownOperationRejected(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{"name": "bogus", "device_type": "compute", "device_id": "bmc-01", "operation": "does_not_exist"},
		},
	}

	_, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.Error(t, err)
}

func TestLoad_UnknownDeviceRejected(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{"name": "bogus", "device_type": "compute", "device_id": "not-configured", "operation": "stage_firmware"},
		},
	}

	_, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.Error(t, err)
}

func TestLoad_DuplicateTagRejected(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{
				"name": "group", "independent_flows": []any{
					map[string]any{
						"name": "flow-a",
						"steps": []any{
							map[string]any{"name": "s1", "device_type": "compute", "device_id": "bmc-01", "operation": "stage_firmware", "tag": "dup"},
							map[string]any{"name": "s2", "device_type": "compute", "device_id": "bmc-01", "operation": "apply_firmware", "tag": "dup"},
						},
					},
				},
			},
		},
	}

	_, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.Error(t, err)
}

func TestLoad_JumpOnFailureMustResolveWithinScope(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{
				"name": "group", "independent_flows": []any{
					map[string]any{
						"name": "flow-a",
						"steps": []any{
							map[string]any{
								"name": "s1", "device_type": "compute", "device_id": "bmc-01",
								"operation": "stage_firmware", "jump_on_failure": "nowhere",
							},
						},
					},
				},
			},
		},
	}

	_, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.Error(t, err)
}

func TestLoad_JumpOnSuccessResolvesToTaggedStep(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{
				"name": "group", "independent_flows": []any{
					map[string]any{
						"name": "flow-a",
						"steps": []any{
							map[string]any{
								"name": "s1", "device_type": "compute", "device_id": "bmc-01",
								"operation": "stage_firmware", "jump_on_success": "finish",
							},
							map[string]any{
								"name": "s2", "device_type": "compute", "device_id": "bmc-01",
								"operation": "apply_firmware",
							},
							map[string]any{
								"name": "s3", "device_type": "compute", "device_id": "bmc-01",
								"operation": "apply_firmware", "tag": "finish",
							},
						},
					},
				},
			},
		},
	}

	f, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)

	scope := f.Entries[0].Flows[0]
	idx, ok := scope.ResolveTag("finish")
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestLoad_OptionalFlowMustBeDefined(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{
				"name": "s1", "device_type": "compute", "device_id": "bmc-01",
				"operation": "stage_firmware", "execute_optional_flow": "recover",
			},
		},
	}

	_, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.Error(t, err)
}

func TestLoad_OptionalFlowResolves(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{
				"name": "s1", "device_type": "compute", "device_id": "bmc-01",
				"operation": "stage_firmware", "execute_optional_flow": "recover",
			},
		},
		"optional_flows": map[string]any{
			"recover": map[string]any{
				"steps": []any{
					map[string]any{"name": "r1", "device_type": "switch", "device_id": "sw-01", "operation": "run_command"},
				},
			},
		},
	}

	f, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)
	require.Contains(t, f.OptionalFlows, "recover")
}

func TestLoad_ParallelStepWrappedAsSoloBatch(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{
				"name": "burst",
				"parallel": []any{
					map[string]any{"name": "p1", "device_type": "compute", "device_id": "bmc-01", "operation": "stage_firmware"},
					map[string]any{"name": "p2", "device_type": "switch", "device_id": "sw-01", "operation": "run_command"},
				},
			},
		},
	}

	f, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.NoError(t, err)
	require.Len(t, f.Entries, 1)
	assert.Equal(t, flow.TopLevelKindStep, f.Entries[0].Kind)

	step := f.Entries[0].Flows[0].Steps[0]
	assert.Equal(t, flow.StepKindParallel, step.Kind)
	assert.Len(t, step.Parallel.Children, 2)
}

func TestLoad_UnknownErrorHandlerRejected(t *testing.T) {
	doc := map[string]any{
		"steps": []any{
			map[string]any{
				"name": "s1", "device_type": "compute", "device_id": "bmc-01",
				"operation": "stage_firmware", "execute_on_error": "no_such_handler",
			},
		},
	}

	_, err := flow.Load(doc, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.Error(t, err)
}

func TestLoad_RejectsNonMappingRoot(t *testing.T) {
	_, err := flow.Load([]any{}, testConfig(), testKnownOperations(), testKnownErrorHandlers())
	require.Error(t, err)
}
