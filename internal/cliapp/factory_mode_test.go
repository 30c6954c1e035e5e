package cliapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/engine"
	"github.com/rackscale/factoryflow/internal/presentation"
)

func TestResolveOutputMode_OverrideWins(t *testing.T) {
	cfg := &config.Configuration{Variables: map[string]any{"output_mode": "gui"}}

	assert.Equal(t, "json", resolveOutputMode(cfg, "json"))
}

func TestResolveOutputMode_FallsBackToConfigVariable(t *testing.T) {
	cfg := &config.Configuration{Variables: map[string]any{"output_mode": "gui"}}

	assert.Equal(t, "gui", resolveOutputMode(cfg, ""))
}

func TestResolveOutputMode_DefaultsToLogWhenUnset(t *testing.T) {
	cfg := &config.Configuration{}

	assert.Equal(t, presentation.ModeLog, resolveOutputMode(cfg, ""))
}

func TestKafkaBrokers_ParsesStringList(t *testing.T) {
	cfg := &config.Configuration{Variables: map[string]any{
		"kafka_brokers": []any{"broker-a:9092", "broker-b:9092"},
	}}

	assert.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, kafkaBrokers(cfg))
}

func TestKafkaBrokers_SkipsEmptyAndNonStringEntries(t *testing.T) {
	cfg := &config.Configuration{Variables: map[string]any{
		"kafka_brokers": []any{"broker-a:9092", "", 7},
	}}

	assert.Equal(t, []string{"broker-a:9092"}, kafkaBrokers(cfg))
}

func TestKafkaBrokers_AbsentVariableReturnsNil(t *testing.T) {
	cfg := &config.Configuration{}

	assert.Nil(t, kafkaBrokers(cfg))
}

func TestKafkaBrokers_WrongTypeReturnsNil(t *testing.T) {
	cfg := &config.Configuration{Variables: map[string]any{"kafka_brokers": "broker-a:9092"}}

	assert.Nil(t, kafkaBrokers(cfg))
}

func TestPrintSummary_DoesNotPanicOnEmptyResults(t *testing.T) {
	printSummary(nil, true, time.Millisecond)
}

func TestPrintSummary_DoesNotPanicOnMixedResults(t *testing.T) {
	results := []engine.Result{
		{Key: "flow-a", Success: true},
		{Key: "flow-b", Success: false},
	}

	printSummary(results, false, 2*time.Second)
}
