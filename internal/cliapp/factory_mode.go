package cliapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/rackscale/factoryflow/internal/capabilities/redfish"
	"github.com/rackscale/factoryflow/internal/capabilities/ssh"
	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/engine"
	"github.com/rackscale/factoryflow/internal/expand"
	"github.com/rackscale/factoryflow/internal/flow"
	"github.com/rackscale/factoryflow/internal/handlers"
	"github.com/rackscale/factoryflow/internal/presentation"
	"github.com/rackscale/factoryflow/internal/progressapi"
	"github.com/rackscale/factoryflow/internal/registry"
	"github.com/rackscale/factoryflow/internal/tracker"
	"github.com/rackscale/factoryflow/pkg/channels/gochannel"
	"github.com/rackscale/factoryflow/pkg/channels/kafka"
	"github.com/rackscale/factoryflow/pkg/eventbus"
	"github.com/rackscale/factoryflow/pkg/events"
	"github.com/rackscale/factoryflow/pkg/log"
	"github.com/rackscale/factoryflow/pkg/otelhelper"
)

func factoryModeCommand() *cli.Command {
	return &cli.Command{
		Name:  "factory_mode",
		Usage: "run a declarative firmware update flow to completion",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "configuration YAML (connection, settings, variables)"},
			&cli.StringFlag{Name: "flow", Aliases: []string{"f"}, Required: true, Usage: "flow YAML to load and execute"},
			&cli.StringFlag{Name: "output-mode", Usage: "overrides configuration.variables.output_mode (none|gui|log|json)"},
			&cli.StringFlag{Name: "progress-path", Value: "flow_progress.json", Usage: "where the authoritative machine-readable outcome is written"},
			&cli.StringFlag{Name: "http-addr", Usage: "if set, serve the live progress snapshot over HTTP at this address"},
			&cli.StringFlag{Name: "log-dir", Aliases: []string{"l"}, Value: ".", Usage: "directory nvdebug log collection and the file log are written to"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug|info|warn|error"},
		},
		Action: runFactoryMode,
	}
}

func runFactoryMode(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	loadedFlow, err := loadFlow(cmd.String("flow"), cfg)
	if err != nil {
		return fmt.Errorf("loading flow: %w", err)
	}

	logDir := cmd.String("log-dir")

	logger, err := log.Setup(cmd.String("log-level"), logDir)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	operations := registry.NewOperationRegistry()
	redfish.RegisterAll(operations)
	ssh.RegisterAll(operations)

	errorHandlers := registry.NewErrorHandlerRegistry()
	handlers.RegisterDefaults(errorHandlers, logger, logDir)

	var locker registry.Locker

	if addr, ok := cfg.StringVariable("redis_addr"); ok && addr != "" {
		locker = registry.NewRedisLocker(addr, 30*time.Second)
	}

	devices := registry.NewDeviceRegistry(cfg, locker)

	bus, closeBus, err := buildEventBus(cfg, logger)
	if err != nil {
		return fmt.Errorf("building event bus: %w", err)
	}
	defer closeBus()

	progressTracker := tracker.New(cmd.String("progress-path"), bus)

	outputMode := resolveOutputMode(cfg, cmd.String("output-mode"))
	presentation.Attach(bus, outputMode)

	if err := bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribing event bus: %w", err)
	}

	tracer := buildTracer(ctx, logger)

	eng := engine.New(cfg, operations, devices, errorHandlers, progressTracker, bus, logger, tracer)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var server *progressapi.Server

	if addr := cmd.String("http-addr"); addr != "" {
		server = progressapi.New(progressTracker)

		go func() {
			if err := server.Listen(addr); err != nil {
				logger.Error("progress API server stopped", "error", err)
			}
		}()

		defer server.Shutdown()
	}

	started := time.Now()

	results, success := eng.Run(runCtx, loadedFlow)

	if outputMode != presentation.ModeNone {
		printSummary(results, success, time.Since(started))
	}

	if !success {
		return fmt.Errorf("one or more flows failed, see %s", cmd.String("progress-path"))
	}

	return nil
}

func loadFlow(path string, cfg *config.Configuration) (*flow.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flow file %s: %w", path, err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing flow YAML: %w", err)
	}

	expanded, err := expand.Tree(raw, cfg.Variables)
	if err != nil {
		return nil, fmt.Errorf("expanding variables: %w", err)
	}

	operations := registry.NewOperationRegistry()
	redfish.RegisterAll(operations)
	ssh.RegisterAll(operations)

	errorHandlers := registry.NewErrorHandlerRegistry()
	handlers.RegisterDefaults(errorHandlers, slog.Default(), ".")

	return flow.Load(expanded, cfg, operations.Known(), errorHandlers.Known())
}


// buildEventBus wires the in-process GoChannel bus the tracker publishes to
// and the presentation layer subscribes to, mirroring every published event to
// Kafka as well when configuration.variables.kafka_brokers is set.
func buildEventBus(cfg *config.Configuration, logger *slog.Logger) (eventbus.EventBus, func(), error) {
	wmLogger := watermill.NewSlogLogger(logger)

	pub, sub, err := gochannel.CreateChannel(wmLogger)
	if err != nil {
		return nil, nil, err
	}

	bus := eventbus.NewWatermillEventBus(pub, sub)

	closeFn := func() { bus.Close() }

	brokers := kafkaBrokers(cfg)
	if len(brokers) == 0 {
		return bus, closeFn, nil
	}

	kafkaPub, kafkaSub, err := kafka.CreateChannel(wmLogger, "factoryflow", brokers)
	if err != nil {
		logger.Warn("kafka export disabled", "error", err)

		return bus, closeFn, nil
	}

	mirrorToKafka(bus, kafkaPub)

	return bus, func() {
		bus.Close()
		kafkaPub.Close()
		kafkaSub.Close()
	}, nil
}

func kafkaBrokers(cfg *config.Configuration) []string {
	raw, ok := cfg.Variables["kafka_brokers"]
	if !ok {
		return nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil
	}

	brokers := make([]string, 0, len(items))

	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			brokers = append(brokers, s)
		}
	}

	return brokers
}

// mirrorToKafka republishes every event the bus hands to subscribers onto
// the Kafka publisher too, so a fleet-wide dashboard watching the Kafka
// topic sees the same stream a local renderer does.
func mirrorToKafka(bus eventbus.EventBus, kafkaPub message.Publisher) {
	for _, eventType := range []events.EventType{
		events.FlowStartedEvent,
		events.FlowFinishedEvent,
		events.StepStartedEvent,
		events.StepFinishedEvent,
		events.JumpRecordedEvent,
		events.OptionalFlowStartedEvent,
		events.OptionalFlowFinishedEvent,
		events.ProgressUpdatedEvent,
	} {
		_ = bus.Handle(eventType, func(_ context.Context, event any) error {
			payload, err := json.Marshal(event)
			if err != nil {
				return err
			}

			return kafkaPub.Publish(events.Topic, message.NewMessage(watermill.NewULID(), payload))
		})
	}
}

func resolveOutputMode(cfg *config.Configuration, override string) string {
	if override != "" {
		return override
	}

	if mode, ok := cfg.StringVariable("output_mode"); ok {
		return mode
	}

	return presentation.ModeLog
}

func buildTracer(ctx context.Context, logger *slog.Logger) trace.Tracer {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil
	}

	tracer, err := otelhelper.NewTracer(ctx, "factoryflow")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)

		return nil
	}

	return tracer
}

func printSummary(results []engine.Result, success bool, elapsed time.Duration) {
	failed := 0

	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}

	fmt.Printf("\n%s: %d flow(s) executed, %d failed, runtime %s\n", status, len(results), failed, elapsed)
}
