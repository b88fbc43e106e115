package protocol_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/security"
)

// localControlListener starts a bare TLS listener standing in for the
// control service's accept loop, authenticated with the same cluster CA
// the agent dials with.
func localControlListener(t *testing.T, ca *security.CA) (addr string, accept func() net.Conn, stop func()) {
	t.Helper()

	controlCert, err := ca.IssueControlCertificate("127.0.0.1", []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca.RootCert())

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{*controlCert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	})
	require.NoError(t, err)

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			connCh <- conn
		}
	}()

	return listener.Addr().String(),
		func() net.Conn {
			select {
			case conn := <-connCh:
				return conn
			case <-time.After(5 * time.Second):
				t.Fatal("timed out waiting for control connection")
				return nil
			}
		},
		func() { listener.Close() }
}

func TestAgentConnDeliversFramesToInbox(t *testing.T) {
	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)

	addr, accept, stop := localControlListener(t, ca)
	defer stop()

	nodeCert, err := ca.IssueNodeCertificate("node-1")
	require.NoError(t, err)

	tlsConfig := protocol.NewAgentClientTLSConfig(*nodeCert, ca.RootCert())
	agentConn := protocol.NewAgentConn(addr, tlsConfig, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agentConn.Run(ctx)

	serverSide := accept()
	defer serverSide.Close()

	require.NoError(t, protocol.WriteFrame(serverSide, protocol.MessageClusterStatusUpdate, struct {
		Tag string `json:"tag"`
	}{Tag: "abc123"}))

	require.Eventually(t, func() bool {
		_, ok := agentConn.Inbox.Peek()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	env, ok := agentConn.Inbox.Take()
	require.True(t, ok)
	assert.Equal(t, protocol.MessageClusterStatusUpdate, env.Type)

	require.Eventually(t, func() bool {
		return agentConn.State() == protocol.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentConnSendRequiresConnection(t *testing.T) {
	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)
	nodeCert, err := ca.IssueNodeCertificate("node-1")
	require.NoError(t, err)

	tlsConfig := protocol.NewAgentClientTLSConfig(*nodeCert, ca.RootCert())
	agentConn := protocol.NewAgentConn("127.0.0.1:1", tlsConfig, zerolog.Nop())

	err = agentConn.Send(protocol.MessageNoOp, struct{}{})
	assert.Error(t, err)
}
