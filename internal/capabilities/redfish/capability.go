package redfish

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rackscale/factoryflow/internal/flow"
	"github.com/rackscale/factoryflow/internal/registry"
)

// Operation names this package registers for the "compute" device type.
const (
	OpGetFirmwareInventory = "get_firmware_inventory"
	OpStageFirmware        = "stage_firmware"
	OpApplyFirmware        = "apply_firmware"
	OpPollTask             = "poll_task"
	OpRebootHost           = "reboot_host"
)

// RegisterAll binds every Redfish-backed operation to reg for the
// "compute" device type.
func RegisterAll(reg *registry.OperationRegistry) {
	reg.Register(flow.DeviceTypeCompute, OpGetFirmwareInventory, GetFirmwareInventory)
	reg.Register(flow.DeviceTypeCompute, OpStageFirmware, StageFirmware)
	reg.Register(flow.DeviceTypeCompute, OpApplyFirmware, ApplyFirmware)
	reg.Register(flow.DeviceTypeCompute, OpPollTask, PollTask)
	reg.Register(flow.DeviceTypeCompute, OpRebootHost, RebootHost)
}

type firmwareInventory struct {
	Members []struct {
		OdataID string `json:"@odata.id"`
	} `json:"Members"`
}

type simpleUpdateRequest struct {
	ImageURI         string `json:"ImageURI"`
	TransferProtocol string `json:"TransferProtocol,omitempty"`
	Targets          []string `json:"Targets,omitempty"`
}

type taskStatus struct {
	TaskState      string `json:"TaskState"`
	PercentComplete int   `json:"PercentComplete"`
	Messages       []struct {
		Message string `json:"Message"`
	} `json:"Messages"`
}

// GetFirmwareInventory reads /redfish/v1/UpdateService/FirmwareInventory
// and reports the number of firmware components found.
func GetFirmwareInventory(ctx context.Context, handle registry.DeviceHandle, _ map[string]any) (bool, string, error) {
	client := NewClient(handle)

	var inventory firmwareInventory

	status, err := client.do(ctx, http.MethodGet, "/redfish/v1/UpdateService/FirmwareInventory", nil, &inventory)
	if err != nil {
		return false, "", err
	}

	if status != http.StatusOK {
		return false, fmt.Sprintf("unexpected status %d reading firmware inventory", status), nil
	}

	return true, fmt.Sprintf("found %d firmware components", len(inventory.Members)), nil
}

// StageFirmware POSTs a SimpleUpdate request for parameters["image_uri"]
// with TransferProtocol=HTTPS and succeeds on a 200 or 202 response.
func StageFirmware(ctx context.Context, handle registry.DeviceHandle, parameters map[string]any) (bool, string, error) {
	imageURI, _ := parameters["image_uri"].(string)
	if imageURI == "" {
		return false, "", fmt.Errorf("stage_firmware requires an image_uri parameter")
	}

	client := NewClient(handle)

	request := simpleUpdateRequest{ImageURI: imageURI, TransferProtocol: "HTTPS"}

	status, err := client.do(ctx, http.MethodPost, "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate", request, nil)
	if err != nil {
		return false, "", err
	}

	if status != http.StatusAccepted && status != http.StatusOK {
		return false, fmt.Sprintf("stage firmware returned status %d", status), nil
	}

	return true, "firmware image staged", nil
}

// ApplyFirmware POSTs a SimpleUpdate request against the previously staged
// image, applying it at the next reboot cycle managed by the BMC.
func ApplyFirmware(ctx context.Context, handle registry.DeviceHandle, parameters map[string]any) (bool, string, error) {
	imageURI, _ := parameters["image_uri"].(string)
	if imageURI == "" {
		return false, "", fmt.Errorf("apply_firmware requires an image_uri parameter")
	}

	client := NewClient(handle)

	request := simpleUpdateRequest{ImageURI: imageURI}

	status, err := client.do(ctx, http.MethodPost, "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate", request, nil)
	if err != nil {
		return false, "", err
	}

	if status != http.StatusAccepted && status != http.StatusOK {
		return false, fmt.Sprintf("apply firmware returned status %d", status), nil
	}

	return true, "firmware update accepted", nil
}

// PollTask reads a Redfish task's status and reports whether it reached a
// terminal Completed state. parameters["task_id"] names the task.
func PollTask(ctx context.Context, handle registry.DeviceHandle, parameters map[string]any) (bool, string, error) {
	taskID, _ := parameters["task_id"].(string)
	if taskID == "" {
		return false, "", fmt.Errorf("poll_task requires a task_id parameter")
	}

	client := NewClient(handle)

	var task taskStatus

	status, err := client.do(ctx, http.MethodGet, "/redfish/v1/TaskService/Tasks/"+taskID, nil, &task)
	if err != nil {
		return false, "", err
	}

	if status != http.StatusOK {
		return false, fmt.Sprintf("poll task returned status %d", status), nil
	}

	switch task.TaskState {
	case "Completed":
		return true, "task completed", nil
	case "Exception", "Killed", "Cancelled":
		return false, fmt.Sprintf("task ended in state %s", task.TaskState), nil
	default:
		return false, fmt.Sprintf("task still %s at %d%%", task.TaskState, task.PercentComplete), nil
	}
}

// RebootHost issues a Redfish ComputerSystem.Reset GracefulRestart, per the
// spec's operational contract that update flows reboot to complete a
// firmware activation.
func RebootHost(ctx context.Context, handle registry.DeviceHandle, _ map[string]any) (bool, string, error) {
	client := NewClient(handle)

	request := map[string]string{"ResetType": "GracefulRestart"}

	status, err := client.do(ctx, http.MethodPost, "/redfish/v1/Systems/1/Actions/ComputerSystem.Reset", request, nil)
	if err != nil {
		return false, "", err
	}

	if status != http.StatusAccepted && status != http.StatusNoContent && status != http.StatusOK {
		return false, fmt.Sprintf("reboot returned status %d", status), nil
	}

	// Give the BMC a moment to accept the shutdown sequence before the
	// engine potentially polls the host state again.
	time.Sleep(2 * time.Second)

	return true, "reboot issued", nil
}
