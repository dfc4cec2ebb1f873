// Package gateway owns the WebSocket edge: connection upgrade, admission,
// per-connection limits and the read loop that feeds parsed events to the
// relay. It knows nothing about routing decisions; those live behind Handler.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/anytalk/signaling/internal/auth"
	"github.com/anytalk/signaling/internal/config"
	"github.com/anytalk/signaling/internal/registry"
	"github.com/anytalk/signaling/internal/relay"
)

// Handler receives the lifecycle and signaling events of one connection.
// The username passed to StoreToken, Disconnect and HandleSignal is the
// server-side binding established by Login; "" means the connection never
// registered.
type Handler interface {
	Login(conn registry.Peer, username string)
	StoreToken(username, token string)
	Disconnect(username string)
	HandleSignal(sender string, msg relay.Message)
}

// ICEProvider resolves the ICE server descriptors answered to
// get-ice-servers requests.
type ICEProvider interface {
	Servers(ctx context.Context) []webrtc.ICEServer
}

// Server upgrades inbound requests and tracks every open connection so
// presence updates can be broadcast to all of them.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	verifier auth.Verifier
	ice      ICEProvider
	upgrader websocket.Upgrader

	handler Handler

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewServer(cfg config.Config, logger *slog.Logger, verifier auth.Verifier, ice ICEProvider) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		verifier: verifier,
		ice:      ice,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// SetHandler must be called before the server accepts connections.
func (s *Server) SetHandler(h Handler) { s.handler = h }

// Broadcast sends v to every open connection. Failed sends are dropped; a
// dying connection cleans itself up through its own read loop.
func (s *Server) Broadcast(v any) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(v); err != nil {
			s.log.Debug("broadcast send failed", "remote", c.ws.RemoteAddr(), "err", err)
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{srv: s, ws: ws}
	s.addConn(c)
	defer s.removeConn(c)
	defer ws.Close()

	c.run(r)

	// "" for a connection that never completed login; the relay treats that
	// as a no-op.
	s.handler.Disconnect(c.username)
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
