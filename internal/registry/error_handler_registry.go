package registry

import "context"

// ErrorHandlerInfo carries everything a named error handler needs to know
// about the step that failed.
type ErrorHandlerInfo struct {
	FlowKey      string
	StepName     string
	DeviceType   string
	DeviceID     string
	Operation    string
	FailMessage  string
	RetryAttempt int
}

// ErrorHandler runs when a step exhausts its retries and has no
// jump_on_failure (Level C of the failure protocol). recovered=true means
// the step is treated as recovered: the engine advances its pointer past
// the failed step and continues, even though the step itself is recorded
// as failed. recovered=false lets the step's failure stand and the flow
// proceeds to Level D. err reports a problem in the handler itself (e.g. a
// log-collection command that failed to run); it never stops the protocol
// from continuing.
type ErrorHandler func(ctx context.Context, info ErrorHandlerInfo) (recovered bool, err error)

// RestartHandler is a distinct Level-C contract: instead of recovering the
// failed step in place, it tells the engine to reset the owning flow's
// instruction pointer to its first step and run it again from scratch.
// restart=false falls through to Level D exactly like an ErrorHandler
// returning recovered=false.
type RestartHandler func(ctx context.Context, info ErrorHandlerInfo) (restart bool, err error)

// ErrorHandlerRegistry looks up named error handlers by the name given in
// a step's execute_on_error or the flow-wide settings.execute_on_error.
// A name registers into exactly one of the two maps.
type ErrorHandlerRegistry struct {
	handlers map[string]ErrorHandler
	restarts map[string]RestartHandler
}

func NewErrorHandlerRegistry() *ErrorHandlerRegistry {
	return &ErrorHandlerRegistry{
		handlers: make(map[string]ErrorHandler),
		restarts: make(map[string]RestartHandler),
	}
}

func (r *ErrorHandlerRegistry) Register(name string, handler ErrorHandler) {
	r.handlers[name] = handler
}

// RegisterRestart installs a flow-restart handler, the retry_flow_once
// style contract.
func (r *ErrorHandlerRegistry) RegisterRestart(name string, handler RestartHandler) {
	r.restarts[name] = handler
}

func (r *ErrorHandlerRegistry) Lookup(name string) (ErrorHandler, bool) {
	handler, ok := r.handlers[name]

	return handler, ok
}

// LookupRestart finds a restart handler registered under name.
func (r *ErrorHandlerRegistry) LookupRestart(name string) (RestartHandler, bool) {
	handler, ok := r.restarts[name]

	return handler, ok
}

// Known returns the set of registered names, for the flow loader's
// reference-resolution pass.
func (r *ErrorHandlerRegistry) Known() map[string]bool {
	known := make(map[string]bool, len(r.handlers)+len(r.restarts))

	for name := range r.handlers {
		known[name] = true
	}

	for name := range r.restarts {
		known[name] = true
	}

	return known
}
