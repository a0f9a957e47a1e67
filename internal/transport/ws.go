// Package transport hosts the organism's two WSS listeners: the main bus
// (ordinary envelope traffic, feeding internal/pump.Ingress) and the OOB
// channel (privileged, signature-verified structural commands, spec.md
// §4.8), plus the Authenticator/Verifier boundary interfaces spec.md §1
// places out of scope as external collaborators.
//
// Grounded on the teacher's Service.Start()/handleConnection accept-loop
// shape (internal/broker/service.go): a listener goroutine that spawns one
// handler goroutine per connection, rebuilt here over
// github.com/gorilla/websocket.Upgrader instead of raw net.Listen("tcp",
// ...), per spec.md §6's WSS requirement.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/xmlpipeline/agentserver/internal/oob"
)

// MainBus hosts the WSS listener ordinary envelope traffic arrives on.
// Every decoded frame is handed to Ingress for pipeline processing. Egressed
// envelopes (spec.md §4.6's client-addressed replies) are pushed back out to
// every connection currently attached, mirroring the teacher's
// connections map[string]*Connection registry (internal/broker/service.go)
// kept so a publish can reach every subscriber without re-dialing.
type MainBus struct {
	Addr     string
	CertFile string
	KeyFile  string
	Ingress  func(raw []byte) error

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewMainBus returns a MainBus ready to ListenAndServe.
func NewMainBus(addr, certFile, keyFile string, ingress func([]byte) error) *MainBus {
	return &MainBus{Addr: addr, CertFile: certFile, KeyFile: keyFile, Ingress: ingress, conns: make(map[*websocket.Conn]struct{})}
}

// Broadcast writes raw to every currently connected client. A write error on
// one connection only drops that connection, never the others.
func (m *MainBus) Broadcast(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			log.Printf("transport: main bus broadcast to %s failed: %v", conn.RemoteAddr(), err)
			delete(m.conns, conn)
			_ = conn.Close()
		}
	}
}

func (m *MainBus) addConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()
}

func (m *MainBus) removeConn(conn *websocket.Conn) {
	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()
}

// ListenAndServe blocks serving WSS connections until ctx is cancelled.
func (m *MainBus) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handle)

	m.server = &http.Server{
		Addr:      m.Addr,
		Handler:   mux,
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS13},
	}

	go func() {
		<-ctx.Done()
		_ = m.server.Close()
	}()

	err := m.server.ListenAndServeTLS(m.CertFile, m.KeyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *MainBus) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: main bus upgrade failed: %v", err)
		return
	}
	go m.serveConn(conn)
}

func (m *MainBus) serveConn(conn *websocket.Conn) {
	m.addConn(conn)
	defer m.removeConn(conn)
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := m.Ingress(raw); err != nil {
			log.Printf("transport: ingress error: %v", err)
		}
	}
}

// OOBFrame is the wire shape of one message on the privileged channel: the
// compact JWT produced by oob.Sign alongside the canonical-XML command
// payload it was signed over. Carried as one JSON text frame rather than
// overloading the ordinary envelope's fields, since OOB commands are a
// disjoint schema from main-bus traffic (spec.md §4.8) and have no
// sender/thread/target of their own.
type OOBFrame struct {
	Token   string `json:"token"`
	Payload []byte `json:"payload"`
}

// OOBChannel hosts the loopback-bound (by default) privileged channel.
// Every frame's signature is verified against PublicKey before Apply is
// called; an unverifiable frame is logged and dropped, never applied
// partially (spec.md §7).
type OOBChannel struct {
	Addr      string
	PublicKey ed25519.PublicKey
	Apply     func(cmd *oob.Command) ([]byte, error)

	upgrader websocket.Upgrader
	server   *http.Server
}

// NewOOBChannel returns an OOBChannel ready to ListenAndServe.
func NewOOBChannel(addr string, pub ed25519.PublicKey, apply func(*oob.Command) ([]byte, error)) *OOBChannel {
	return &OOBChannel{Addr: addr, PublicKey: pub, Apply: apply}
}

// ListenAndServe blocks serving plaintext WS connections until ctx is
// cancelled. The OOB channel is expected to be bound to loopback or a
// local socket (spec.md §4.8), so it does not itself require TLS — the
// signature check on every frame is the actual trust boundary.
func (o *OOBChannel) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", o.handle)

	o.server = &http.Server{Addr: o.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = o.server.Close()
	}()

	err := o.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (o *OOBChannel) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: oob upgrade failed: %v", err)
		return
	}
	go o.serveConn(conn)
}

func (o *OOBChannel) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame OOBFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("transport: oob: malformed frame: %v", err)
			continue
		}

		cmd, err := oob.Verify(frame.Token, frame.Payload, o.PublicKey)
		if err != nil {
			log.Printf("transport: oob: %v", err)
			continue
		}

		result, err := o.Apply(cmd)
		if err != nil {
			log.Printf("transport: oob: apply %s failed: %v", cmd.Kind, err)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"error":%q}`, err.Error())))
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, result); err != nil {
			return
		}
	}
}
