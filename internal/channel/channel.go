// Package channel is a client for one private support channel on the relay.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"support-bridge/internal/phoenix"
	"support-bridge/internal/protocol"
	"support-bridge/internal/ratelimit"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
	StatusClosed     Status = "closed"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrJoinTimeout  = errors.New("channel join timed out")
	ErrJoinRejected = errors.New("channel join rejected")
	ErrTooLarge     = errors.New("broadcast exceeds size limit")
	errSuperseded   = errors.New("channel reopened or closed")
)

const (
	defaultJoinTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultSendLimit         = 20
	defaultSendWindow        = time.Second
	writeTimeout             = 10 * time.Second
	endpointPath             = "/realtime/v1/websocket"
)

// Handler receives the inner payload of a broadcast.
type Handler func(payload json.RawMessage)

type StatusFunc func(status Status, err error)

type Options struct {
	// ServerURL is the relay base URL (http, https, ws or wss).
	ServerURL         string
	Token             string
	Dialer            *websocket.Dialer
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	SendLimit         int
	SendWindow        time.Duration
	Now               func() time.Time
	Logger            *zap.Logger
}

type Channel struct {
	serverURL         string
	dialer            *websocket.Dialer
	joinTimeout       time.Duration
	heartbeatInterval time.Duration
	limiter           *ratelimit.Window
	log               *zap.Logger

	ref    atomic.Uint64
	sendMu sync.Mutex

	mu       sync.Mutex
	token    string
	handlers map[string]Handler
	onStatus StatusFunc
	status   Status
	gen      uint64
	ws       *websocket.Conn
	topic    string
	joinRef  string
	stop     chan struct{}
}

func New(opts Options) *Channel {
	c := &Channel{
		serverURL:         opts.ServerURL,
		dialer:            opts.Dialer,
		joinTimeout:       opts.JoinTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		log:               opts.Logger,
		token:             opts.Token,
		handlers:          make(map[string]Handler),
		status:            StatusIdle,
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.joinTimeout <= 0 {
		c.joinTimeout = defaultJoinTimeout
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = defaultHeartbeatInterval
	}
	limit, window := opts.SendLimit, opts.SendWindow
	if limit <= 0 {
		limit = defaultSendLimit
	}
	if window <= 0 {
		window = defaultSendWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c.limiter = ratelimit.NewWindowWithNow(limit, window, now)
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// On registers the handler for a broadcast event, replacing any previous one.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	if h == nil {
		delete(c.handlers, event)
	} else {
		c.handlers[event] = h
	}
	c.mu.Unlock()
}

func (c *Channel) OnStatus(fn StatusFunc) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) Connected() bool {
	return c.Status() == StatusConnected
}

// Topic is the wire topic of the current subscription.
func (c *Channel) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

func (c *Channel) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *Channel) setStatus(gen uint64, s Status, err error) {
	c.mu.Lock()
	if gen != c.gen || (c.status == s && err == nil) {
		c.mu.Unlock()
		return
	}
	c.status = s
	fn := c.onStatus
	c.mu.Unlock()

	if fn != nil {
		fn(s, err)
	}
}

// Open subscribes to the session's channel, tearing down any previous
// subscription first. It returns once the relay accepted the join.
func (c *Channel) Open(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("missing session id")
	}
	_ = c.Close()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	token := c.token
	c.mu.Unlock()
	c.setStatus(gen, StatusConnecting, nil)

	endpoint, err := websocketURL(c.serverURL)
	if err != nil {
		c.setStatus(gen, StatusError, err)
		return err
	}
	ws, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		err = fmt.Errorf("dial relay: %w", err)
		c.setStatus(gen, StatusError, err)
		return err
	}

	topic := phoenix.SupportTopic(sessionID)
	joinRef := c.nextRef()
	stop := make(chan struct{})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = ws.Close()
		return errSuperseded
	}
	c.ws = ws
	c.topic = topic
	c.joinRef = joinRef
	c.stop = stop
	c.mu.Unlock()

	joined := make(chan error, 1)
	go c.readLoop(gen, ws, topic, joinRef, joined)

	join, err := phoenix.NewMessage(topic, phoenix.EventJoin, phoenix.JoinPayload{
		Config: phoenix.JoinConfig{
			Broadcast: phoenix.BroadcastConfig{Self: false},
			Presence:  phoenix.PresenceConfig{Key: ""},
			Private:   true,
		},
		AccessToken: token,
	}, joinRef, joinRef)
	if err == nil {
		err = c.write(ws, join)
	}
	if err != nil {
		c.fail(gen, err)
		return fmt.Errorf("send join: %w", err)
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-joined:
		if err != nil {
			c.fail(gen, err)
			return err
		}
	case <-timer.C:
		c.drop(gen, StatusTimeout, ErrJoinTimeout)
		return ErrJoinTimeout
	case <-ctx.Done():
		c.drop(gen, StatusError, ctx.Err())
		return ctx.Err()
	}

	c.log.Info("channel joined", zap.String("topic", topic))
	c.setStatus(gen, StatusConnected, nil)
	go c.heartbeatLoop(gen, ws, stop)
	return nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + endpointPath
	u.RawQuery = url.Values{"vsn": {phoenix.Version}}.Encode()
	return u.String(), nil
}

func (c *Channel) readLoop(gen uint64, ws *websocket.Conn, topic, joinRef string, joined chan<- error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case joined <- err:
			default:
			}
			c.fail(gen, err)
			return
		}
		m, err := phoenix.Decode(data)
		if err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if m.Topic != topic {
			continue
		}

		switch m.Event {
		case phoenix.EventReply:
			if m.Ref != joinRef {
				continue
			}
			reply, err := m.Reply()
			if err == nil && reply.Status != phoenix.StatusOK {
				err = fmt.Errorf("%w: %s", ErrJoinRejected, reply.ReplyReason())
			}
			select {
			case joined <- err:
			default:
			}
		case phoenix.EventBroadcast:
			b, err := m.Broadcast()
			if err != nil {
				continue
			}
			c.dispatch(gen, b.Event, b.Payload)
		case phoenix.EventError, phoenix.EventClose:
			c.fail(gen, fmt.Errorf("channel %s by relay", strings.TrimPrefix(m.Event, "phx_")))
			return
		}
	}
}

func (c *Channel) dispatch(gen uint64, event string, payload json.RawMessage) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	h := c.handlers[event]
	c.mu.Unlock()

	if h != nil {
		h(payload)
	}
}

func (c *Channel) heartbeatLoop(gen uint64, ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			msg, err := phoenix.NewMessage(phoenix.TopicPhoenix, phoenix.EventHeartbeat, struct{}{}, c.nextRef(), "")
			if err == nil {
				err = c.write(ws, msg)
			}
			if err != nil {
				c.fail(gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// fail marks the subscription broken without sending phx_leave.
func (c *Channel) fail(gen uint64, err error) {
	c.drop(gen, StatusError, err)
}

func (c *Channel) drop(gen uint64, status Status, err error) {
	c.mu.Lock()
	if gen != c.gen || c.ws == nil {
		c.mu.Unlock()
		return
	}
	ws, stop := c.ws, c.stop
	c.ws, c.stop = nil, nil
	c.mu.Unlock()

	close(stop)
	_ = ws.Close()
	c.log.Warn("channel dropped", zap.String("status", string(status)), zap.Error(err))
	c.setStatus(gen, status, err)
}

func (c *Channel) write(ws *websocket.Conn, m phoenix.Message) error {
	data, err := phoenix.Encode(m)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Send broadcasts an event to the other members of the channel. Sends over
// the rate limit are dropped with a warning and report no error.
func (c *Channel) Send(event string, payload any) error {
	c.mu.Lock()
	ws, status, topic, joinRef := c.ws, c.status, c.topic, c.joinRef
	c.mu.Unlock()
	if ws == nil || status != StatusConnected {
		return ErrNotConnected
	}

	if !c.limiter.Allow() {
		c.log.Warn("broadcast rate limit exceeded, dropping", zap.String("event", event))
		return nil
	}

	msg, err := phoenix.NewBroadcast(topic, event, payload, c.nextRef(), joinRef)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if len(msg.Payload) > protocol.MaxBroadcastSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, event, len(msg.Payload))
	}
	return c.write(ws, msg)
}

// SetAccessToken replaces the token and pushes it to the relay when joined.
func (c *Channel) SetAccessToken(token string) error {
	c.mu.Lock()
	c.token = token
	ws, status, topic, joinRef := c.ws, c.status, c.topic, c.joinRef
	c.mu.Unlock()
	if ws == nil || status != StatusConnected {
		return nil
	}
	msg, err := phoenix.NewMessage(topic, phoenix.EventAccessToken, phoenix.AccessTokenPayload{AccessToken: token}, c.nextRef(), joinRef)
	if err != nil {
		return err
	}
	return c.write(ws, msg)
}

// Close leaves the channel and releases the socket. It does not wait for the
// read loop, which exits on its own and never dispatches again.
func (c *Channel) Close() error {
	c.mu.Lock()
	ws, stop, topic, joinRef := c.ws, c.stop, c.topic, c.joinRef
	c.gen++
	c.ws, c.stop = nil, nil
	changed := c.status != StatusClosed && c.status != StatusIdle
	if changed {
		c.status = StatusClosed
	}
	fn := c.onStatus
	c.mu.Unlock()

	if ws != nil {
		close(stop)
		if leave, err := phoenix.NewMessage(topic, phoenix.EventLeave, struct{}{}, c.nextRef(), joinRef); err == nil {
			_ = c.write(ws, leave)
		}
		c.sendMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.sendMu.Unlock()
		_ = ws.Close()
		c.log.Info("channel closed", zap.String("topic", topic))
	}
	if changed && fn != nil {
		fn(StatusClosed, nil)
	}
	return nil
}
