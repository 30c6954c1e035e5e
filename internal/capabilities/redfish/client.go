// Package redfish implements the compute device Capability: firmware
// inventory, staging, applying, task polling and reboot over the Redfish
// HTTP API exposed by each node's BMC.
package redfish

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rackscale/factoryflow/internal/registry"
)

// Client is a minimal Redfish HTTP client scoped to one BMC connection.
type Client struct {
	httpClient *http.Client
	baseURL    string
	user       string
	password   string
}

// NewClient builds a Client from a device handle's connection entry.
func NewClient(handle registry.DeviceHandle) *Client {
	scheme := "https"
	if handle.Connection.Protocol == "http" {
		scheme = "http"
	}

	port := handle.Connection.Port
	if port == 0 {
		port = 443
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				//nolint:gosec // BMC firmware frequently serves self-signed certificates.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		baseURL:  fmt.Sprintf("%s://%s:%d", scheme, handle.Connection.IP, port),
		user:     handle.Connection.User,
		password: handle.Connection.Password,
	}
}

// do performs one Redfish request and decodes a JSON response into out.
// out may be nil when the caller only cares about the status code.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var bodyReader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode redfish request body: %w", err)
		}

		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("build redfish request: %w", err)
	}

	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OData-Version", "4.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("redfish request %s %s failed: %w", method, path, err)
	}

	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode redfish response from %s: %w", path, err)
		}
	}

	return resp.StatusCode, nil
}
