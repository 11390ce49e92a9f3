package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"support-bridge/internal/auth"
	"support-bridge/internal/hub"
	"support-bridge/internal/phoenix"
)

const (
	maxPayload   int64         = 1 << 20
	writeTimeout time.Duration = 10 * time.Second
	pongWait     time.Duration = 60 * time.Second
	pingPeriod                 = (pongWait * 9) / 10
)

// Authorizer decides whether the holder of claims may join a session's topic.
type Authorizer func(claims *auth.Claims, sessionID string) error

type Deps struct {
	Hub         *hub.Hub
	TokenConfig auth.TokenConfig
	Authorize   Authorizer
	Logger      *zap.Logger
}

// Server relays Phoenix channel broadcasts between the members of a topic.
type Server struct {
	hub         *hub.Hub
	tokenConfig auth.TokenConfig
	authorize   Authorizer
	log         *zap.Logger

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	s := &Server{
		hub:         deps.Hub,
		tokenConfig: deps.TokenConfig,
		authorize:   deps.Authorize,
		log:         deps.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.hub == nil {
		s.hub = hub.New()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.authorize == nil {
		s.authorize = func(*auth.Claims, string) error { return nil }
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.URL.Query().Get("apikey")
	}
	c := newConn(ws, token)
	defer s.dropConn(c)

	go c.pingLoop()
	c.readLoop(func(data []byte) {
		s.handleFrame(c, data)
	})
}

func (s *Server) dropConn(c *conn) {
	s.hub.LeaveAll(c.member)
	_ = c.Close()
}

// Publish sends a server-originated event to every member of the session's
// topic.
func (s *Server) Publish(sessionID, event string, payload any) {
	topic := phoenix.SupportTopic(sessionID)
	msg, err := phoenix.NewBroadcast(topic, event, payload, "", "")
	if err != nil {
		s.log.Warn("publish: encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	data, err := phoenix.Encode(msg)
	if err != nil {
		return
	}
	n := s.hub.Broadcast(topic, data, nil)
	s.log.Debug("published", zap.String("session_id", sessionID), zap.String("event", event), zap.Int("members", n))
}

func (s *Server) handleFrame(c *conn, data []byte) {
	m, err := phoenix.Decode(data)
	if err != nil {
		s.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	if m.Topic == phoenix.TopicPhoenix {
		if m.Event == phoenix.EventHeartbeat {
			s.reply(c, m, phoenix.StatusOK, nil)
		}
		return
	}

	switch m.Event {
	case phoenix.EventJoin:
		s.handleJoin(c, m)
	case phoenix.EventLeave:
		s.handleLeave(c, m)
	case phoenix.EventBroadcast:
		s.handleBroadcast(c, m)
	case phoenix.EventAccessToken:
		s.handleAccessToken(c, m)
	default:
		if m.Ref != "" {
			s.reply(c, m, phoenix.StatusError, phoenix.ReasonResponse{Reason: "unsupported event"})
		}
	}
}

func (s *Server) handleJoin(c *conn, m phoenix.Message) {
	sessionID, ok := phoenix.ParseSupportTopic(m.Topic)
	if !ok {
		s.reply(c, m, phoenix.StatusError, phoenix.ReasonResponse{Reason: "unknown topic"})
		return
	}

	var payload phoenix.JoinPayload
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &payload)
	}
	token := payload.AccessToken
	if token == "" {
		token = c.token()
	}
	claims, err := auth.VerifyToken(token, s.tokenConfig)
	if err != nil || claims.UserID == "" {
		s.reply(c, m, phoenix.StatusError, phoenix.ReasonResponse{Reason: "unauthorized"})
		return
	}
	if err := s.authorize(claims, sessionID); err != nil {
		s.log.Info("join rejected",
			zap.String("session_id", sessionID), zap.String("user_id", claims.UserID), zap.Error(err))
		s.reply(c, m, phoenix.StatusError, phoenix.ReasonResponse{Reason: err.Error()})
		return
	}

	joinRef := m.JoinRef
	if joinRef == "" {
		joinRef = m.Ref
	}
	c.setClaims(claims, token)
	c.joinTopic(m.Topic, membership{joinRef: joinRef, self: payload.Config.Broadcast.Self, ack: payload.Config.Broadcast.Ack})
	s.hub.Join(m.Topic, c.member)

	s.log.Info("joined",
		zap.String("session_id", sessionID), zap.String("user_id", claims.UserID), zap.String("role", claims.Role))
	s.reply(c, m, phoenix.StatusOK, nil)
}

func (s *Server) handleLeave(c *conn, m phoenix.Message) {
	c.leaveTopic(m.Topic)
	s.hub.Leave(m.Topic, c.member)
	s.reply(c, m, phoenix.StatusOK, nil)
}

func (s *Server) handleBroadcast(c *conn, m phoenix.Message) {
	sub, ok := c.membership(m.Topic)
	if !ok {
		if m.Ref != "" {
			s.reply(c, m, phoenix.StatusError, phoenix.ReasonResponse{Reason: "not joined"})
		}
		return
	}
	b, err := m.Broadcast()
	if err != nil {
		if m.Ref != "" {
			s.reply(c, m, phoenix.StatusError, phoenix.ReasonResponse{Reason: "invalid broadcast"})
		}
		return
	}
	b.Type = phoenix.EventBroadcast

	out, err := phoenix.NewMessage(m.Topic, phoenix.EventBroadcast, b, "", "")
	if err != nil {
		return
	}
	data, err := phoenix.Encode(out)
	if err != nil {
		return
	}

	except := c.member
	if sub.self {
		except = nil
	}
	s.hub.Broadcast(m.Topic, data, except)
	if sub.ack && m.Ref != "" {
		s.reply(c, m, phoenix.StatusOK, nil)
	}
}

func (s *Server) handleAccessToken(c *conn, m phoenix.Message) {
	var payload phoenix.AccessTokenPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil || payload.AccessToken == "" {
		return
	}
	claims, err := auth.VerifyToken(payload.AccessToken, s.tokenConfig)
	if err != nil {
		s.log.Warn("access token refresh rejected", zap.Error(err))
		return
	}
	c.setClaims(claims, payload.AccessToken)
}

func (s *Server) reply(c *conn, req phoenix.Message, status string, response any) {
	msg, err := phoenix.NewReply(req, status, response)
	if err != nil {
		return
	}
	data, err := phoenix.Encode(msg)
	if err != nil {
		return
	}
	_ = c.Write(data)
}

type membership struct {
	joinRef string
	self    bool
	ack     bool
}

type conn struct {
	ws     *websocket.Conn
	member *hub.Connection

	sendMu sync.Mutex

	mu         sync.Mutex
	queryToken string
	topics     map[string]membership

	done   chan struct{}
	closed atomic.Bool
}

func newConn(ws *websocket.Conn, token string) *conn {
	c := &conn{
		ws:         ws,
		queryToken: token,
		topics:     make(map[string]membership),
		done:       make(chan struct{}),
	}
	c.member = &hub.Connection{ID: uuid.NewString(), Writer: c}
	return c
}

func (c *conn) Write(message []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, message)
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)
	return c.ws.Close()
}

func (c *conn) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryToken
}

func (c *conn) setClaims(claims *auth.Claims, token string) {
	c.mu.Lock()
	c.queryToken = token
	c.member.UserID = claims.UserID
	c.mu.Unlock()
}

func (c *conn) joinTopic(topic string, m membership) {
	c.mu.Lock()
	c.topics[topic] = m
	c.mu.Unlock()
}

func (c *conn) leaveTopic(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *conn) membership(topic string) (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.topics[topic]
	return m, ok
}

func (c *conn) readLoop(onMessage func([]byte)) {
	defer c.Close()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		onMessage(data)
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.sendMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
