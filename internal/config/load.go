package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// knownDeviceTypes enumerates the device-class namespaces the loader
// extracts into DeviceClasses; every other top-level key is kept verbatim
// in Raw and otherwise ignored, per the "unknown top-level keys are
// preserved but ignored" contract.
var knownDeviceTypes = []string{"compute", "switch"}

// Load reads and validates a configuration YAML file.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse configuration YAML: %w", err)
	}

	cfg := &Configuration{
		DeviceClasses: make(map[string]map[string]any),
		Raw:           raw,
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	for _, deviceType := range knownDeviceTypes {
		block, ok := raw[deviceType]
		if !ok {
			continue
		}

		blockMap, ok := asStringKeyedMap(block)
		if !ok {
			continue
		}

		cfg.DeviceClasses[deviceType] = blockMap
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for deviceType, devices := range cfg.Connection {
		for deviceID, entry := range devices {
			if err := validate.Struct(entry); err != nil {
				return nil, fmt.Errorf("connection.%s.%s: %w", deviceType, deviceID, err)
			}
		}
	}

	return cfg, nil
}

// asStringKeyedMap normalizes the map[any]any shape yaml.v3 sometimes
// produces for nested mappings into map[string]any.
func asStringKeyedMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		result := make(map[string]any, len(typed))

		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				return nil, false
			}

			result[key] = v
		}

		return result, true
	default:
		return nil, false
	}
}
