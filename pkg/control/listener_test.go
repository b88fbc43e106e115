package control_test

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/clusterhq/flocker/pkg/configstore"
	"github.com/clusterhq/flocker/pkg/control"
	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/security"
	"github.com/clusterhq/flocker/pkg/types"
)

func TestServeAcceptsAgentAndMergesReport(t *testing.T) {
	ca, err := security.NewCA("Flocker Test Cluster")
	require.NoError(t, err)

	controlCert, err := ca.IssueControlCertificate("127.0.0.1", []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	tlsListener, err := tls.Listen("tcp", "127.0.0.1:0", control.NewControlServerTLSConfig(*controlCert, ca.RootCert()))
	require.NoError(t, err)

	store, err := configstore.Open(t.TempDir() + "/configuration.json")
	require.NoError(t, err)
	svc := control.New(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Serve(ctx, tlsListener)

	nodeCert, err := ca.IssueNodeCertificate("node-1")
	require.NoError(t, err)
	tlsConfig := protocol.NewAgentClientTLSConfig(*nodeCert, ca.RootCert())
	agentConn := protocol.NewAgentConn(tlsListener.Addr().String(), tlsConfig, zerolog.Nop())
	go agentConn.Run(ctx)

	require.Eventually(t, func() bool {
		return agentConn.State() == protocol.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, agentConn.Send(protocol.MessageNodeStateReport, types.NodeStateReport{
		NodeUUID: "node-1",
		Era:      types.Era{NodeUUID: "node-1", EraUUID: "era-1"},
	}))

	require.Eventually(t, func() bool {
		state := svc.ClusterState()
		_, ok := state.Nodes["node-1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	nodeUUID, ok := svc.NodeUUIDForEra("era-1")
	require.True(t, ok)
	require.Equal(t, "node-1", nodeUUID)
}
