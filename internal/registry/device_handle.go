// Package registry holds the three lookup tables the execution engine
// consults at every step: which operations exist per device type, which
// device connections are live, and which error handlers can be invoked by
// name.
package registry

import (
	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/flow"
)

// DeviceHandle is everything a Capability needs to reach one device: its
// connection descriptor and the free-form device-class block (compute.DOT,
// compute.post_logging_enabled, ...) merged in from configuration.
type DeviceHandle struct {
	DeviceType flow.DeviceType
	DeviceID   string
	Connection config.ConnectionEntry
	Class      map[string]any
}
