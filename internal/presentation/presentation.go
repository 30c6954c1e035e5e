// Package presentation renders the engine's event stream to the console.
// The engine itself emits the same events regardless of presentation; a
// Renderer is just another subscriber, selected by
// configuration.variables.output_mode.
package presentation

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rackscale/factoryflow/pkg/eventbus"
	"github.com/rackscale/factoryflow/pkg/events"
)

const (
	ModeNone = "none"
	ModeGUI  = "gui"
	ModeLog  = "log"
	ModeJSON = "json"
)

// Subscriber is the subset of eventbus.EventSubscriber a Renderer needs.
type Subscriber interface {
	Handle(eventType events.EventType, handler eventbus.EventHandler) error
}

// Attach registers the handlers for mode on bus. An unrecognized mode
// behaves like ModeNone: nothing is rendered, but the tracker still writes
// flow_progress.json independently of presentation.
func Attach(bus Subscriber, mode string) {
	switch mode {
	case ModeGUI:
		attachGUI(bus)
	case ModeLog:
		attachLog(bus)
	case ModeJSON:
		attachJSON(bus)
	}
}

func attachJSON(bus Subscriber) {
	_ = bus.Handle(events.StepFinishedEvent, func(_ context.Context, raw any) error {
		event, ok := raw.(*events.StepFinished)
		if !ok {
			return nil
		}

		result := "FAILED"
		if event.FinalResult {
			result = "SUCCESS"
		}

		fmt.Printf("[%s] - %s (%s)\n", result, event.StepName, event.Duration)

		return nil
	})
}

func attachLog(bus Subscriber) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})

	_ = bus.Handle(events.StepStartedEvent, func(_ context.Context, raw any) error {
		event, ok := raw.(*events.StepStarted)
		if !ok {
			return nil
		}

		logger.WithFields(logrus.Fields{"flow": event.FlowKey, "attempt": event.Attempt}).
			Infof("starting %s", event.StepName)

		return nil
	})

	_ = bus.Handle(events.StepFinishedEvent, func(_ context.Context, raw any) error {
		event, ok := raw.(*events.StepFinished)
		if !ok {
			return nil
		}

		entry := logger.WithFields(logrus.Fields{"flow": event.FlowKey, "duration": event.Duration})

		if event.FinalResult {
			entry.Infof("%s -> %s", event.StepName, event.Status)
		} else {
			entry.Errorf("%s -> %s", event.StepName, event.Status)
		}

		return nil
	})

	_ = bus.Handle(events.FlowFinishedEvent, func(_ context.Context, raw any) error {
		event, ok := raw.(*events.FlowFinished)
		if !ok {
			return nil
		}

		entry := logger.WithField("duration", event.Duration)

		if event.Status == "Completed" {
			entry.Infof("flow %s finished: %s", event.FlowKey, event.Status)
		} else {
			entry.Errorf("flow %s finished: %s", event.FlowKey, event.Status)
		}

		return nil
	})
}

// gui renders a continuously redrawn plain-text table of each flow's
// current step and progress counters, using plain ANSI cursor movement
// since no TUI library is part of the dependency stack this repository
// draws on.
type gui struct {
	mu   sync.Mutex
	rows map[string]string
}

func attachGUI(bus Subscriber) {
	g := &gui{rows: make(map[string]string)}

	_ = bus.Handle(events.ProgressUpdatedEvent, func(_ context.Context, raw any) error {
		event, ok := raw.(*events.ProgressUpdated)
		if !ok {
			return nil
		}

		g.touch(event.FlowKey)

		return nil
	})

	_ = bus.Handle(events.StepFinishedEvent, func(_ context.Context, raw any) error {
		event, ok := raw.(*events.StepFinished)
		if !ok {
			return nil
		}

		status := "FAILED"
		if event.FinalResult {
			status = "OK"
		}

		g.set(event.FlowKey, fmt.Sprintf("%s: %s [%s]", event.FlowKey, event.StepName, status))

		return nil
	})
}

func (g *gui) touch(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.rows[key]; !ok {
		g.rows[key] = key + ": starting"
	}
}

func (g *gui) set(key, line string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rows[key] = line

	g.redrawLocked()
}

func (g *gui) redrawLocked() {
	fmt.Print("\033[H\033[2J")

	for _, line := range g.rows {
		fmt.Println(line)
	}
}
