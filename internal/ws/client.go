package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/roomsync/internal/auth"
	"github.com/manpreetbhatti/roomsync/internal/gateway"
	"github.com/manpreetbhatti/roomsync/internal/protocol"
	"github.com/manpreetbhatti/roomsync/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Options struct {
	SendBuffer     int
	MaxFrameBytes  int64
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 * 1024
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 100
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 200
	}
}

// Server upgrades HTTP requests to editor connections.
type Server struct {
	hub      *Hub
	gateway  *gateway.Gateway
	verifier auth.Verifier
	opts     Options
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewServer(hub *Hub, gw *gateway.Gateway, verifier auth.Verifier, opts Options) *Server {
	opts.defaults()
	s := &Server{
		hub:      hub,
		gateway:  gw,
		verifier: verifier,
		opts:     opts,
		log:      logrus.WithField("component", "ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type Client struct {
	hub         *Hub
	gateway     *gateway.Gateway
	conn        *websocket.Conn
	codec       protocol.Codec
	identity    auth.Identity
	session     *gateway.Conn
	rateLimiter *ratelimit.Limiter
	maxFrame    int64
	log         *logrus.Entry

	mu     sync.Mutex
	send   chan protocol.Envelope
	done   chan struct{}
	closed bool
}

// ServeWs authenticates the request, upgrades it and starts the pumps. A
// project query parameter joins that project right away.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r)
	if err != nil {
		s.log.WithError(err).Debug("Rejected connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	codec, ok := protocol.CodecByName(r.URL.Query().Get("codec"))
	if !ok {
		http.Error(w, "unsupported codec", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Upgrade failed")
		return
	}

	client := &Client{
		hub:         s.hub,
		gateway:     s.gateway,
		conn:        conn,
		codec:       codec,
		identity:    identity,
		rateLimiter: ratelimit.NewLimiter(s.opts.RateLimit, s.opts.RateBurst),
		maxFrame:    s.opts.MaxFrameBytes,
		send:        make(chan protocol.Envelope, s.opts.SendBuffer),
		done:        make(chan struct{}),
		log: s.log.WithFields(logrus.Fields{
			"user_id": identity.UserID,
			"remote":  conn.RemoteAddr().String(),
		}),
	}
	client.session = gateway.NewConn(client, identity.UserID, identity.DisplayName)

	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(r.URL.Query().Get("project"))
}

// Send queues an envelope for the writer. It never blocks; a full queue
// reports false and the caller decides whether to drop the peer.
func (c *Client) Send(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Client) readPump(project string) {
	ctx := context.Background()
	defer func() {
		c.gateway.Disconnect(ctx, c.session)
		c.hub.Unregister(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if project != "" {
		in, err := protocol.NewInbound(c.codec, protocol.TypeJoinRoom, protocol.JoinRoom{ProjectID: project})
		if err == nil {
			c.gateway.Dispatch(ctx, c.session, in)
		}
	}

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Info("Connection lost")
			}
			return
		}

		allowed := c.rateLimiter.Allow()
		if !allowed {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.WithField("warnings", rateLimitWarnings).Warn("Rate limit exceeded")
			}
			if rateLimitWarnings > 1000 {
				c.log.Warn("Disconnecting client for excessive rate limit violations")
				return
			}
		}

		in, err := c.codec.Decode(message)
		if err != nil {
			if allowed {
				c.log.WithError(err).Debug("Invalid frame")
				c.Send(protocol.Envelope{
					Type: protocol.TypeError,
					Data: protocol.Error{Code: protocol.CodeInvalidPayload, Message: err.Error()},
				})
			}
			continue
		}
		if !allowed {
			c.gateway.Throttled(c.session, in)
			continue
		}
		c.gateway.Dispatch(ctx, c.session, in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case env := <-c.send:
			frame, err := c.codec.Encode(env)
			if err != nil {
				c.log.WithError(err).WithField("event", env.Type).Error("Failed to encode event")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(messageType, frame); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
