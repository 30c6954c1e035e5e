package eventbus_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackscale/factoryflow/pkg/channels/gochannel"
	"github.com/rackscale/factoryflow/pkg/eventbus"
	"github.com/rackscale/factoryflow/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	watermillLogger := watermill.NewSlogLogger(slog.New(slog.DiscardHandler))

	pub, sub, err := gochannel.CreateTestChannel(watermillLogger)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	require.NoError(t, bus.Subscribe(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversToMultipleHandlersForSameEventType(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex

	var seenByFirst, seenBySecond bool

	var wg sync.WaitGroup
	wg.Add(2)

	require.NoError(t, bus.Handle(events.StepFinishedEvent, func(context.Context, any) error {
		mu.Lock()
		seenByFirst = true
		mu.Unlock()
		wg.Done()

		return nil
	}))

	require.NoError(t, bus.Handle(events.StepFinishedEvent, func(context.Context, any) error {
		mu.Lock()
		seenBySecond = true
		mu.Unlock()
		wg.Done()

		return nil
	}))

	event := events.NewStepFinished("flow-a", "stage", "stage_firmware", "completed", true, time.Millisecond, 0)
	require.NoError(t, bus.Publish(context.Background(), "flow-a", event))

	waitOrTimeout(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seenByFirst)
	assert.True(t, seenBySecond)
}

func TestWatermillEventBus_UnregisteredEventTypeIsIgnored(t *testing.T) {
	bus := newTestBus(t)

	var called bool

	require.NoError(t, bus.Handle(events.StepFinishedEvent, func(context.Context, any) error {
		called = true

		return nil
	}))

	event := events.NewFlowStarted("flow-a", 3)
	require.NoError(t, bus.Publish(context.Background(), "flow-a", event))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()

	done := make(chan struct{})

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
}
