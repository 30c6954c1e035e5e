package registry

import (
	"context"
	"fmt"

	"github.com/rackscale/factoryflow/internal/flow"
)

// Capability performs one operation against one device. It reports success
// or failure plus a human-readable message; it never panics and never
// returns a Go error for an ordinary operation failure, because "the
// device rejected the command" is an expected outcome the engine's retry
// and jump logic must see, not an exceptional one. A non-nil error is
// reserved for the capability being unable to even attempt the operation
// (bad parameters, context cancellation).
type Capability func(ctx context.Context, handle DeviceHandle, parameters map[string]any) (ok bool, message string, err error)

// OperationRegistry dispatches (device type, operation name) to a
// Capability. It is built once at startup and never mutated concurrently
// with reads, so no locking is needed.
type OperationRegistry struct {
	capabilities map[flow.DeviceType]map[string]Capability
}

// NewOperationRegistry returns an empty registry; callers register
// capabilities with Register.
func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{capabilities: make(map[flow.DeviceType]map[string]Capability)}
}

// Register binds an operation name for a device type to a Capability.
func (r *OperationRegistry) Register(deviceType flow.DeviceType, operation string, capability Capability) {
	if r.capabilities[deviceType] == nil {
		r.capabilities[deviceType] = make(map[string]Capability)
	}

	r.capabilities[deviceType][operation] = capability
}

// Lookup returns the Capability bound to (deviceType, operation).
func (r *OperationRegistry) Lookup(deviceType flow.DeviceType, operation string) (Capability, error) {
	byOperation, ok := r.capabilities[deviceType]
	if !ok {
		return nil, fmt.Errorf("no capabilities registered for device type %q", deviceType)
	}

	capability, ok := byOperation[operation]
	if !ok {
		return nil, fmt.Errorf("operation %q is not registered for device type %q", operation, deviceType)
	}

	return capability, nil
}

// Known returns a snapshot suitable for the flow loader's registries pass:
// which operation names exist for which device type.
func (r *OperationRegistry) Known() map[flow.DeviceType]map[string]bool {
	known := make(map[flow.DeviceType]map[string]bool, len(r.capabilities))

	for deviceType, byOperation := range r.capabilities {
		names := make(map[string]bool, len(byOperation))

		for name := range byOperation {
			names[name] = true
		}

		known[deviceType] = names
	}

	return known
}
