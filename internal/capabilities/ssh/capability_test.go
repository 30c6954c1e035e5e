package ssh_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackscale/factoryflow/internal/capabilities/ssh"
	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/registry"
)

// startEchoServer runs a minimal single-session SSH server that writes
// reply to the session's combined output for every exec request, then
// closes the connection, mirroring just enough of a switch console to
// exercise Client.Run end to end.
func startEchoServer(t *testing.T, reply string) registry.DeviceHandle {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := cryptossh.NewSignerFromKey(priv)
	require.NoError(t, err)

	serverConfig := &cryptossh.ServerConfig{
		PasswordCallback: func(cryptossh.ConnMetadata, []byte) (*cryptossh.Permissions, error) {
			return nil, nil
		},
	}
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		serverConn, chans, reqs, err := cryptossh.NewServerConn(conn, serverConfig)
		if err != nil {
			return
		}

		go cryptossh.DiscardRequests(reqs)

		for newChannel := range chans {
			if newChannel.ChannelType() != "session" {
				_ = newChannel.Reject(cryptossh.UnknownChannelType, "unsupported")

				continue
			}

			channel, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}

			go func() {
				defer channel.Close()

				for req := range requests {
					if req.Type == "exec" {
						_, _ = channel.Write([]byte(reply))
						_, _ = channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})

						if req.WantReply {
							_ = req.Reply(true, nil)
						}

						return
					}

					if req.WantReply {
						_ = req.Reply(false, nil)
					}
				}
			}()
		}

		_ = serverConn.Close()
	}()

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return registry.DeviceHandle{
		Connection: config.ConnectionEntry{IP: host, Port: port, User: "admin", Password: "admin"},
	}
}

func TestRunCommand_ReturnsTrimmedOutput(t *testing.T) {
	handle := startEchoServer(t, "switch ready\n")

	ok, message, err := ssh.RunCommand(context.Background(), handle, map[string]any{"command": "show version"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "switch ready", message)
}

func TestRunCommand_RequiresCommandParameter(t *testing.T) {
	_, _, err := ssh.RunCommand(context.Background(), registry.DeviceHandle{}, nil)
	require.Error(t, err)
}

func TestCheckImageVersion_MatchesExpected(t *testing.T) {
	handle := startEchoServer(t, "Image version: 4.2.1\n")

	ok, _, err := ssh.CheckImageVersion(context.Background(), handle, map[string]any{"expected_version": "4.2.1"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckImageVersion_MismatchFails(t *testing.T) {
	handle := startEchoServer(t, "Image version: 4.2.1\n")

	ok, message, err := ssh.CheckImageVersion(context.Background(), handle, map[string]any{"expected_version": "5.0.0"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, message, "does not match")
}
