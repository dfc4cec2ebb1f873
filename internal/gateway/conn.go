package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/anytalk/signaling/internal/auth"
	"github.com/anytalk/signaling/internal/config"
	"github.com/anytalk/signaling/internal/ratelimit"
	"github.com/anytalk/signaling/internal/relay"
)

const wsWriteWait = 1 * time.Second

// Conn is one live WebSocket connection. Writes are serialized through
// writeMu so the relay's unicast sends and the server's broadcasts can
// interleave safely; reads stay confined to the run loop.
type Conn struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex

	// username is the identity bound by login. Written only from the run
	// loop, read after the loop exits, so it needs no lock.
	username string
}

// Send marshals v to a single text frame. Implements registry.Peer.
func (c *Conn) Send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) run(r *http.Request) {
	cfg := c.srv.cfg
	log := c.srv.log

	authenticated := false
	if cred, err := auth.CredentialFromQuery(r.URL.Query()); err == nil {
		if err := c.srv.verifier.Verify(cred); err != nil {
			writeClose(c.ws, websocket.ClosePolicyViolation, "invalid credentials")
			return
		}
		authenticated = true
	}
	if !authenticated && cfg.AuthMode == config.AuthModeNone {
		authenticated = true
	}

	if authenticated {
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	}

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))
	})

	stopPings := c.startPings(cfg.WSPingInterval)
	defer stopPings()

	limiter := ratelimit.NewTokenBucket(nil, int64(cfg.MaxMessagesPerSecond), int64(cfg.MaxMessagesPerSecond))

	for {
		msgType, msgReader, err := c.ws.NextReader()
		if err != nil {
			if !authenticated && isTimeout(err) {
				writeClose(c.ws, websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(c.ws, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(1) {
			writeClose(c.ws, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		data, err := readLimited(msgReader, cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				writeClose(c.ws, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		msg, err := relay.ParseMessage(data)
		if err != nil {
			writeClose(c.ws, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		if !authenticated {
			if msg.Event != relay.EventAuth {
				writeClose(c.ws, websocket.ClosePolicyViolation, "authentication required")
				return
			}
			if err := c.srv.verifier.Verify(msg.Str("token")); err != nil {
				writeClose(c.ws, websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
			_ = c.ws.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))
			continue
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))

		switch {
		case msg.Event == relay.EventAuth:
			// Repeated auth on an authenticated connection is harmless.

		case msg.Event == relay.EventLogin:
			username := msg.Str("username")
			if username == "" {
				writeClose(c.ws, websocket.ClosePolicyViolation, "missing username")
				return
			}
			c.username = username
			c.srv.handler.Login(c, username)

		case msg.Event == relay.EventStoreToken:
			c.srv.handler.StoreToken(c.username, msg.Str("token"))

		case msg.Event == relay.EventGetICEServers:
			go c.sendICEServers()

		case msg.IsSignal():
			c.srv.handler.HandleSignal(c.username, msg)

		default:
			log.Debug("dropping unknown event", "event", string(msg.Event), "remote", c.ws.RemoteAddr())
		}
	}
}

// startPings keeps intermediaries from reaping quiet connections. Control
// frames may be written concurrently with WriteJSON, so no writeMu here.
func (c *Conn) startPings(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *Conn) sendICEServers() {
	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.ICERequestTimeout)
	defer cancel()

	reply := iceServersReply{
		Event:      relay.EventICEServers,
		ICEServers: c.srv.ice.Servers(ctx),
	}
	if err := c.Send(reply); err != nil {
		c.srv.log.Debug("ice servers reply failed", "remote", c.ws.RemoteAddr(), "err", err)
	}
}

type iceServersReply struct {
	Event      relay.Event        `json:"event"`
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func writeClose(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
