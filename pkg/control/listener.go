package control

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/protocol"
	"github.com/clusterhq/flocker/pkg/security"
	"github.com/clusterhq/flocker/pkg/types"
)

// NewControlServerTLSConfig builds the TLS configuration the control
// service listens with: its own server certificate, plus the cluster
// root required to authenticate each connecting agent's client
// certificate.
func NewControlServerTLSConfig(serverCert tls.Certificate, clusterRoot *x509.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(clusterRoot)
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

// serverConn wraps one accepted connection with the write-side mutex
// WriteFrame needs, and satisfies agentSender so it can be registered
// directly with Attach.
type serverConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (sc *serverConn) Send(msgType protocol.MessageType, payload interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.WriteFrame(sc.conn, msgType, payload)
}

// Serve accepts agent connections on listener until ctx is cancelled,
// authenticating each against the cluster root and dispatching its
// frames into the service, per §4.4/§4.5.
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept agent connection: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Service) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		s.log.Warn().Msg("rejected non-TLS agent connection")
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.log.Warn().Err(err).Msg("agent TLS handshake failed")
		return
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		s.log.Warn().Msg("agent connection presented no client certificate")
		return
	}
	nodeUUID, err := security.ParseNodeUUID(state.PeerCertificates[0])
	if err != nil {
		s.log.Warn().Err(err).Msg("agent certificate missing node_uuid extension")
		return
	}

	sc := &serverConn{conn: conn}
	s.Attach(nodeUUID, sc)
	defer s.Detach(nodeUUID)

	connLog := log.WithAgentID(nodeUUID)
	for {
		msgType, payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil {
				connLog.Info().Err(err).Msg("agent connection closed")
			}
			return
		}

		switch msgType {
		case protocol.MessageNodeStateReport:
			var report types.NodeStateReport
			if err := json.Unmarshal(payload, &report); err != nil {
				connLog.Warn().Err(err).Msg("malformed node state report")
				continue
			}
			if report.NodeUUID == "" {
				report.NodeUUID = nodeUUID
			}
			s.HandleReport(report)
		default:
			connLog.Debug().Str("message_type", string(msgType)).Msg("ignoring unexpected message type from agent")
		}
	}
}
