// Package config loads and validates the factory_mode configuration YAML:
// variables available to expansion, connection descriptors for every
// device, and the settings that seed per-step defaults.
package config

// ConnectionEntry describes how to reach one device instance.
type ConnectionEntry struct {
	IP         string `yaml:"ip"                    validate:"required"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Port       int    `yaml:"port"`
	Protocol   string `yaml:"protocol"`
	TunnelPort *int   `yaml:"tunnel_port,omitempty"`
}

// Settings carries flow-wide defaults and the flow-level error handler.
type Settings struct {
	DefaultRetryCount          int    `yaml:"default_retry_count"`
	DefaultWaitAfterSeconds    int    `yaml:"default_wait_after_seconds"`
	SSHTimeout                 int    `yaml:"ssh_timeout"`
	RedfishTimeout             int    `yaml:"redfish_timeout"`
	ExecuteOnError             string `yaml:"execute_on_error"`
	LoopDetectionVisitCap      int    `yaml:"loop_detection_visit_cap"`
}

// Configuration is the immutable-after-load configuration document.
// DeviceClasses holds free-form per-device-class blocks such as
// compute.DOT or compute.post_logging_enabled, keyed by device type then
// class name.
type Configuration struct {
	Variables     map[string]any                     `yaml:"variables"`
	Connection    map[string]map[string]ConnectionEntry `yaml:"connection"`
	Settings      Settings                            `yaml:"settings"`
	DeviceClasses map[string]map[string]any           `yaml:"-"`

	// Raw holds the fully decoded top-level map, including any keys not
	// otherwise modeled here. Unknown top-level keys are preserved (per the
	// external-interfaces contract) but ignored by the loader.
	Raw map[string]any `yaml:"-"`
}

// DefaultLoopDetectionVisitCap is the loop-prevention cap the execution
// engine falls back to when settings.loop_detection_visit_cap is unset.
const DefaultLoopDetectionVisitCap = 100

// EffectiveLoopCap returns the configured loop-detection cap, or the
// default when unset or non-positive.
func (c *Configuration) EffectiveLoopCap() int {
	if c.Settings.LoopDetectionVisitCap > 0 {
		return c.Settings.LoopDetectionVisitCap
	}

	return DefaultLoopDetectionVisitCap
}

// StringVariable returns configuration.variables[name] as a string, or the
// zero value and false if the variable is absent or not a string.
func (c *Configuration) StringVariable(name string) (string, bool) {
	raw, ok := c.Variables[name]
	if !ok {
		return "", false
	}

	str, ok := raw.(string)

	return str, ok
}
