// Package ssh implements the switch device Capability: running commands
// over SSH against the switch's management console, rebooting it, and
// checking its running image version.
package ssh

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rackscale/factoryflow/internal/registry"
)

// Client dials one switch's SSH management console per invocation; switch
// consoles are low-throughput enough that a persistent connection pool
// buys nothing a fresh dial-and-close doesn't already give us.
type Client struct {
	config *ssh.ClientConfig
	addr   string
}

// NewClient builds a Client from a device handle's connection entry.
func NewClient(handle registry.DeviceHandle, timeout time.Duration) *Client {
	port := handle.Connection.Port
	if port == 0 {
		port = 22
	}

	return &Client{
		addr: fmt.Sprintf("%s:%d", handle.Connection.IP, port),
		config: &ssh.ClientConfig{
			User:            handle.Connection.User,
			Auth:            []ssh.AuthMethod{ssh.Password(handle.Connection.Password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // factory-floor switches rarely carry a known_hosts entry.
			Timeout:         timeout,
		},
	}
}

// Run dials the switch, executes command on a new session, and returns its
// combined stdout/stderr output.
func (c *Client) Run(command string) (string, error) {
	conn, err := ssh.Dial("tcp", c.addr, c.config)
	if err != nil {
		return "", fmt.Errorf("ssh dial %s: %w", c.addr, err)
	}

	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh new session: %w", err)
	}

	defer session.Close()

	var output bytes.Buffer

	session.Stdout = &output
	session.Stderr = &output

	if err := session.Run(command); err != nil {
		return output.String(), fmt.Errorf("ssh command %q failed: %w", command, err)
	}

	return output.String(), nil
}
