package ssh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rackscale/factoryflow/internal/flow"
	"github.com/rackscale/factoryflow/internal/registry"
)

// Operation names this package registers for the "switch" device type.
const (
	OpRunCommand        = "run_command"
	OpReboot            = "reboot"
	OpCheckImageVersion = "check_image_version"
)

const defaultDialTimeout = 15 * time.Second

// RegisterAll binds every SSH-backed operation to reg for the "switch"
// device type.
func RegisterAll(reg *registry.OperationRegistry) {
	reg.Register(flow.DeviceTypeSwitch, OpRunCommand, RunCommand)
	reg.Register(flow.DeviceTypeSwitch, OpReboot, Reboot)
	reg.Register(flow.DeviceTypeSwitch, OpCheckImageVersion, CheckImageVersion)
}

// RunCommand runs parameters["command"] on the switch and succeeds only if
// the SSH session completed and the command exited with status 0.
func RunCommand(ctx context.Context, handle registry.DeviceHandle, parameters map[string]any) (bool, string, error) {
	command, _ := parameters["command"].(string)
	if command == "" {
		return false, "", fmt.Errorf("run_command requires a command parameter")
	}

	client := NewClient(handle, defaultDialTimeout)

	output, err := client.Run(command)
	if err != nil {
		return false, err.Error(), nil
	}

	return true, strings.TrimSpace(output), nil
}

// Reboot issues the switch's reload command. It does not wait for the
// switch to come back; a subsequent step's retries are expected to absorb
// the downtime.
func Reboot(ctx context.Context, handle registry.DeviceHandle, _ map[string]any) (bool, string, error) {
	client := NewClient(handle, defaultDialTimeout)

	// The switch tears down the SSH session as part of rebooting, so an
	// EOF-shaped error here is the expected success signal, not a failure.
	_, err := client.Run("reload")
	if err != nil {
		return true, "reload issued (connection dropped as expected)", nil
	}

	return true, "reload issued", nil
}

// CheckImageVersion runs "show version" and reports whether the running
// image contains parameters["expected_version"].
func CheckImageVersion(ctx context.Context, handle registry.DeviceHandle, parameters map[string]any) (bool, string, error) {
	expected, _ := parameters["expected_version"].(string)
	if expected == "" {
		return false, "", fmt.Errorf("check_image_version requires an expected_version parameter")
	}

	client := NewClient(handle, defaultDialTimeout)

	output, err := client.Run("show version")
	if err != nil {
		return false, err.Error(), nil
	}

	if strings.Contains(output, expected) {
		return true, fmt.Sprintf("running image matches %s", expected), nil
	}

	return false, fmt.Sprintf("running image does not match %s", expected), nil
}
