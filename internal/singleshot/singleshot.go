// Package singleshot implements the four non-factory commands
// (show_version, update_fw, force_update, show_update_progress) that talk
// directly to one device's Redfish API without going through the flow
// engine, sharing only the redfish client package with it.
package singleshot

import (
	"context"
	"fmt"

	"github.com/rackscale/factoryflow/internal/capabilities/redfish"
	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/registry"
)

func handle(cfg *config.Configuration, deviceID string) (registry.DeviceHandle, error) {
	entry, ok := cfg.Connection["compute"][deviceID]
	if !ok {
		return registry.DeviceHandle{}, fmt.Errorf("no connection entry for compute device %q", deviceID)
	}

	return registry.DeviceHandle{DeviceType: "compute", DeviceID: deviceID, Connection: entry}, nil
}

// ShowVersion prints the device's firmware inventory summary.
func ShowVersion(ctx context.Context, cfg *config.Configuration, deviceID string) (string, error) {
	h, err := handle(cfg, deviceID)
	if err != nil {
		return "", err
	}

	ok, message, err := redfish.GetFirmwareInventory(ctx, h, nil)
	if err != nil {
		return "", err
	}

	if !ok {
		return "", fmt.Errorf("get_firmware_inventory failed: %s", message)
	}

	return message, nil
}

// UpdateFW stages and applies a single firmware image against one device,
// without retries, jumps, or progress tracking.
func UpdateFW(ctx context.Context, cfg *config.Configuration, deviceID, imageURI string) (string, error) {
	h, err := handle(cfg, deviceID)
	if err != nil {
		return "", err
	}

	params := map[string]any{"image_uri": imageURI}

	if ok, message, err := redfish.StageFirmware(ctx, h, params); err != nil || !ok {
		if err != nil {
			return "", err
		}

		return "", fmt.Errorf("stage_firmware failed: %s", message)
	}

	ok, message, err := redfish.ApplyFirmware(ctx, h, params)
	if err != nil {
		return "", err
	}

	if !ok {
		return "", fmt.Errorf("apply_firmware failed: %s", message)
	}

	return message, nil
}

// ForceUpdate applies a firmware image without a prior staging step, for
// devices whose BMC accepts an image directly.
func ForceUpdate(ctx context.Context, cfg *config.Configuration, deviceID, imageURI string) (string, error) {
	h, err := handle(cfg, deviceID)
	if err != nil {
		return "", err
	}

	ok, message, err := redfish.ApplyFirmware(ctx, h, map[string]any{"image_uri": imageURI})
	if err != nil {
		return "", err
	}

	if !ok {
		return "", fmt.Errorf("apply_firmware failed: %s", message)
	}

	return message, nil
}

// ShowUpdateProgress polls a previously started update task once and
// prints its current state.
func ShowUpdateProgress(ctx context.Context, cfg *config.Configuration, deviceID, taskID string) (string, error) {
	h, err := handle(cfg, deviceID)
	if err != nil {
		return "", err
	}

	_, message, err := redfish.PollTask(ctx, h, map[string]any{"task_id": taskID})
	if err != nil {
		return "", err
	}

	return message, nil
}
