package singleshot_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/singleshot"
)

func cfgFor(t *testing.T, server *httptest.Server) *config.Configuration {
	t.Helper()

	hostPort := strings.TrimPrefix(server.URL, "http://")

	host, portStr, err := net.SplitHostPort(hostPort)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &config.Configuration{
		Connection: map[string]map[string]config.ConnectionEntry{
			"compute": {"bmc-01": {IP: host, Port: port, Protocol: "http"}},
		},
	}
}

func TestShowVersion_UnknownDeviceErrors(t *testing.T) {
	cfg := &config.Configuration{}

	_, err := singleshot.ShowVersion(context.Background(), cfg, "bmc-99")
	require.Error(t, err)
}

func TestShowVersion_ReportsInventoryCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"Members": []map[string]string{{"@odata.id": "/a"}}})
	}))
	defer server.Close()

	message, err := singleshot.ShowVersion(context.Background(), cfgFor(t, server), "bmc-01")
	require.NoError(t, err)
	assert.Contains(t, message, "1 firmware components")
}

func TestUpdateFW_StagesThenApplies(t *testing.T) {
	var sawStage, sawApply bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TransferProtocol string `json:"TransferProtocol"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body.TransferProtocol == "HTTPS" {
			sawStage = true
		} else {
			sawApply = true
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	message, err := singleshot.UpdateFW(context.Background(), cfgFor(t, server), "bmc-01", "https://img/fw.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, message)
	assert.True(t, sawStage)
	assert.True(t, sawApply)
}

func TestUpdateFW_StageFailureStopsBeforeApply(t *testing.T) {
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := singleshot.UpdateFW(context.Background(), cfgFor(t, server), "bmc-01", "https://img/fw.bin")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestForceUpdate_AppliesDirectly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	message, err := singleshot.ForceUpdate(context.Background(), cfgFor(t, server), "bmc-01", "https://img/fw.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, message)
}

func TestShowUpdateProgress_ReportsTaskState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"TaskState": "Completed"})
	}))
	defer server.Close()

	message, err := singleshot.ShowUpdateProgress(context.Background(), cfgFor(t, server), "bmc-01", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task completed", message)
}
