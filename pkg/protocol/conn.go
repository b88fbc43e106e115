package protocol

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/clusterhq/flocker/pkg/metrics"
)

// State is the agent-side connection state machine of §4.4: a
// connection is either DISCONNECTED (no transport, possibly backing
// off before the next dial) or CONNECTED (frames flow in both
// directions until the socket errors or the peer closes it).
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// reconnectMinDelay/MaxDelay implement the spec's 1s-to-60s-cap
// jittered exponential backoff schedule.
const (
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 60 * time.Second
)

// AgentConn maintains a long-lived, mutually-authenticated connection
// from an agent to the control service, reconnecting with exponential
// backoff whenever the transport drops. Received frames are delivered
// into Inbox for the convergence loop to consume; Send writes a frame
// directly to the current transport and fails when there is none.
type AgentConn struct {
	controlAddr string
	tlsConfig   *tls.Config
	log         zerolog.Logger

	Inbox *Mailbox[Envelope]

	mu    sync.Mutex
	state State
	conn  net.Conn
}

// Envelope pairs a decoded message type with its raw payload, as
// delivered to callers via Inbox.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// NewAgentClientTLSConfig builds the TLS configuration an agent uses to
// dial the control service: the agent's own node certificate for the
// server to authenticate, and the cluster root to authenticate the
// control service's certificate in turn.
func NewAgentClientTLSConfig(nodeCert tls.Certificate, clusterRoot *x509.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(clusterRoot)
	return &tls.Config{
		Certificates: []tls.Certificate{nodeCert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
}

// NewAgentConn constructs a connection manager for the given control
// service address. Run must be called to actually dial and maintain it.
func NewAgentConn(controlAddr string, tlsConfig *tls.Config, logger zerolog.Logger) *AgentConn {
	return &AgentConn{
		controlAddr: controlAddr,
		tlsConfig:   tlsConfig,
		log:         logger,
		Inbox:       NewMailbox[Envelope](),
		state:       StateDisconnected,
	}
}

// Mailbox returns the inbox that received frames are deposited into,
// satisfying convergence.Reporter without colliding with the exported
// Inbox field, which tests and other callers also read directly.
func (c *AgentConn) Mailbox() *Mailbox[Envelope] {
	return c.Inbox
}

// State reports the current connection state.
func (c *AgentConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes a frame to the current transport, if any. Callers should
// treat a returned error as "will be retried once reconnected" rather
// than fatal — per §4.4, delivery is at-least-once within a connection,
// not guaranteed across a reconnect.
func (c *AgentConn) Send(msgType MessageType, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return WriteFrame(conn, msgType, payload)
}

// Run dials the control service and keeps the connection alive until
// ctx is cancelled, reconnecting with jittered exponential backoff
// whenever the transport drops.
func (c *AgentConn) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    reconnectMinDelay,
		Max:    reconnectMaxDelay,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := tls.Dial("tcp", c.controlAddr, c.tlsConfig)
		if err != nil {
			delay := b.Duration()
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("control connection failed")
			metrics.RecordProtocolReconnect()
			if !sleepOrDone(ctx, delay) {
				return
			}
			continue
		}

		c.log.Info().Msg("control connection established")
		b.Reset()
		c.setConnected(conn)
		metrics.RecordProtocolConnected()

		c.readPump(ctx, conn)

		c.setDisconnected()
		metrics.RecordProtocolDisconnected()
	}
}

func (c *AgentConn) setConnected(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.state = StateConnected
}

func (c *AgentConn) setDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.state = StateDisconnected
}

// readPump reads frames until the connection errors, the peer closes
// it, or ctx is cancelled, depositing each into Inbox — last value wins,
// per the mailbox contract the convergence loop relies on.
func (c *AgentConn) readPump(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer close(done)

	for {
		msgType, payload, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("control connection read failed")
			}
			return
		}
		c.Inbox.Put(Envelope{Type: msgType, Payload: payload})
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
