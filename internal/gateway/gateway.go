// Package gateway implements federation forwarding: a client connection to a
// peer organism's main bus over a WSS crossing, used when a message's
// target lives in another organism entirely rather than the local listener
// registry (spec.md §3 "Gateway", §9 federation).
//
// A crossing always mints a brand-new opaque root thread id via
// internal/pathreg.NewRootFromGateway on the receiving side — the peer
// organism's path registry has no visibility into the originating
// organism's thread structure, by design (spec.md §9's decision that
// federation crossings are opaque).
package gateway

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xmlpipeline/agentserver/internal/envelope"
)

// Config describes one federation peer this organism forwards to.
type Config struct {
	Name          string // the peer organism's name, used in this gateway's error messages
	Address       string // wss://host:port path
	RemoteMeta    bool   // whether this peer may issue meta queries against us (spec.md §4.9)
	DialTimeout   time.Duration
	RetryInterval time.Duration
}

// Gateway is a forwarding client connection to one federation peer. It
// reconnects on its own, following the teacher's broker-client convention
// of a persistent background connection with automatic retry rather than
// dialing fresh per message.
type Gateway struct {
	cfg Config

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	inbound chan *envelope.Envelope
}

// New returns a Gateway for cfg, unconnected until Connect is called.
func New(cfg Config) *Gateway {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	return &Gateway{cfg: cfg, inbound: make(chan *envelope.Envelope, 64)}
}

// Connect dials the peer and starts the background read loop that feeds
// Inbound. It blocks only for the initial dial; reconnection after a drop
// happens in the background.
func (g *Gateway) Connect() error {
	if err := g.dial(); err != nil {
		return err
	}
	go g.readLoop()
	return nil
}

func (g *Gateway) dial() error {
	u, err := url.Parse(g.cfg.Address)
	if err != nil {
		return fmt.Errorf("gateway %s: invalid address %q: %w", g.cfg.Name, g.cfg.Address, err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: g.cfg.DialTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("gateway %s: dial: %w", g.cfg.Name, err)
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	return nil
}

// readLoop reads forwarded envelopes off the wire and republishes them on
// Inbound, reconnecting with backoff on any read error until Close is
// called.
func (g *Gateway) readLoop() {
	for {
		g.mu.Lock()
		conn := g.conn
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			time.Sleep(g.cfg.RetryInterval)
			if err := g.dial(); err != nil {
				continue
			}
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			g.mu.Lock()
			g.conn = nil
			g.mu.Unlock()
			_ = conn.Close()
			time.Sleep(g.cfg.RetryInterval)
			continue
		}

		env, err := envelope.FromXML(raw)
		if err != nil {
			continue // malformed forwarded frame; dropped, not fatal to the connection
		}
		g.inbound <- env
	}
}

// Inbound is the stream of envelopes forwarded in from the peer organism,
// to be fed into this organism's own Ingress after a fresh opaque root is
// minted for each.
func (g *Gateway) Inbound() <-chan *envelope.Envelope {
	return g.inbound
}

// Forward sends env across the crossing to the peer organism.
func (g *Gateway) Forward(env *envelope.Envelope) error {
	raw, err := env.ToXML()
	if err != nil {
		return fmt.Errorf("gateway %s: serialize: %w", g.cfg.Name, err)
	}

	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway %s: not connected", g.cfg.Name)
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close shuts down the gateway connection and stops the read loop.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
