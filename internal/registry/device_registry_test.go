package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/flow"
	"github.com/rackscale/factoryflow/internal/registry"
)

func testCfg() *config.Configuration {
	return &config.Configuration{
		Connection: map[string]map[string]config.ConnectionEntry{
			"compute": {"bmc-01": {IP: "10.0.0.1"}},
		},
		DeviceClasses: map[string]map[string]any{
			"compute": {"post_logging_enabled": true},
		},
	}
}

func TestDeviceRegistry_GetBuildsAndCaches(t *testing.T) {
	reg := registry.NewDeviceRegistry(testCfg(), nil)

	first, err := reg.Get(flow.DeviceTypeCompute, "bmc-01")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", first.Connection.IP)
	assert.Equal(t, true, first.Class["post_logging_enabled"])

	second, err := reg.Get(flow.DeviceTypeCompute, "bmc-01")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestDeviceRegistry_GetUnknownDevice(t *testing.T) {
	reg := registry.NewDeviceRegistry(testCfg(), nil)

	_, err := reg.Get(flow.DeviceTypeCompute, "not-configured")
	require.Error(t, err)
}

func TestDeviceRegistry_LockSerializesAccess(t *testing.T) {
	reg := registry.NewDeviceRegistry(testCfg(), nil)

	var (
		mu      sync.Mutex
		overlap bool
		active  int
	)

	enter := func() {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
	}

	leave := func() {
		mu.Lock()
		active--
		mu.Unlock()
	}

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock, err := reg.Lock(context.Background(), flow.DeviceTypeCompute, "bmc-01")
			if err != nil {
				return
			}

			enter()
			time.Sleep(2 * time.Millisecond)
			leave()

			_ = unlock(context.Background())
		}()
	}

	wg.Wait()

	assert.False(t, overlap)
}

func TestInProcessLocker_DistinctKeysDoNotBlock(t *testing.T) {
	locker := registry.NewInProcessLocker()

	unlockA, err := locker.Lock(context.Background(), "compute:a")
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		unlockB, err := locker.Lock(context.Background(), "compute:b")
		require.NoError(t, err)
		_ = unlockB(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a distinct key should not block")
	}

	require.NoError(t, unlockA(context.Background()))
}
