// Package console is the technician's side of a support session: it joins
// the session, keeps a terminal of what the device prints and drives the
// device through the bridge.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"support-bridge/internal/auth"
	"support-bridge/internal/channel"
	"support-bridge/internal/errs"
	"support-bridge/internal/lifecycle"
	"support-bridge/internal/model"
	"support-bridge/internal/protocol"
)

type Channel interface {
	On(event string, h channel.Handler)
	OnStatus(fn channel.StatusFunc)
	Open(ctx context.Context, sessionID string) error
	Send(event string, payload any) error
	Close() error
	Connected() bool
}

// LineListener receives every line added to the terminal.
type LineListener func(Line)

// HealthListener receives bridge health changes.
type HealthListener func(Health)

type Options struct {
	Store       lifecycle.Store
	Channel     Channel
	Actor       auth.ActorSource
	MaxLines    int
	HistorySize int
	HealthPoll  time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

type Console struct {
	lc    *lifecycle.Lifecycle
	ch    Channel
	actor auth.ActorSource
	poll  time.Duration
	now   func() time.Time
	log   *zap.Logger

	mu         sync.Mutex
	buf        *Buffer
	history    *History
	joined     bool
	sessionID  string
	lastBeat   time.Time
	health     Health
	healthStop chan struct{}
	flash      *protocol.FlashProgress
	device     *protocol.DeviceInfo
	onLine     []LineListener
	onHealth   []HealthListener
}

func New(opts Options) *Console {
	c := &Console{
		lc:      lifecycle.New(opts.Store, opts.Logger),
		ch:      opts.Channel,
		actor:   opts.Actor,
		poll:    opts.HealthPoll,
		now:     opts.Now,
		log:     opts.Logger,
		buf:     NewBuffer(opts.MaxLines),
		history: NewHistory(opts.HistorySize),
		health:  HealthUnknown,
	}
	if c.poll <= 0 {
		c.poll = HealthPoll
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}

	c.ch.On(protocol.EventSerialOutput, c.handleSerialOutput)
	c.ch.On(protocol.EventDeviceInfo, c.handleDeviceInfo)
	c.ch.On(protocol.EventHeartbeat, c.handleHeartbeat)
	c.ch.On(protocol.EventActionResult, c.handleActionResult)
	c.ch.On(protocol.EventFlashProgress, c.handleFlashProgress)
	c.ch.On(protocol.EventSessionEnd, c.handleSessionEnd)
	c.ch.On(protocol.EventSessionStatus, c.handleSessionStatus)
	c.ch.On(protocol.EventBaudAck, c.handleBaudAck)
	c.ch.OnStatus(func(s channel.Status, err error) {
		switch {
		case err != nil:
			c.notice(LevelError, fmt.Sprintf("Channel %s: %v", s, err))
		case s == channel.StatusConnected:
			c.notice(LevelSuccess, "Channel connected")
		}
	})
	return c
}

// OnLine registers fn for every line added to the terminal.
func (c *Console) OnLine(fn LineListener) {
	c.mu.Lock()
	c.onLine = append(c.onLine, fn)
	c.mu.Unlock()
}

// OnHealth registers fn for bridge health changes.
func (c *Console) OnHealth(fn HealthListener) {
	c.mu.Lock()
	c.onHealth = append(c.onHealth, fn)
	c.mu.Unlock()
}

func (c *Console) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Lines()
}

func (c *Console) ClearLines() {
	c.mu.Lock()
	c.buf.Clear()
	c.mu.Unlock()
}

func (c *Console) History() *History {
	return c.history
}

func (c *Console) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Console) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeat
}

func (c *Console) FlashProgress() *protocol.FlashProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flash == nil {
		return nil
	}
	cp := *c.flash
	return &cp
}

func (c *Console) Device() *protocol.DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return nil
	}
	cp := *c.device
	return &cp
}

func (c *Console) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Console) Session() *model.SupportSession {
	return c.lc.Current()
}

// ListSessions returns the sessions the technician can pick from.
func (c *Console) ListSessions(ctx context.Context, status model.SessionStatus) ([]model.SupportSession, error) {
	return c.lc.List(ctx, status)
}

func (c *Console) add(l Line) {
	if l.Timestamp.IsZero() {
		l.Timestamp = c.now()
	}
	c.mu.Lock()
	c.buf.Append(l)
	listeners := append([]LineListener(nil), c.onLine...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(l)
	}
}

func (c *Console) notice(level Level, text string) {
	c.add(Line{Text: text, Source: SourceSystem, Level: level})
}

// Join claims the session for the current actor and subscribes to its
// channel. Without an actor it fails with errs.ErrNotAuthenticated and
// changes nothing.
func (c *Console) Join(ctx context.Context, sessionID string) (model.SupportSession, error) {
	actor, err := c.actor.CurrentActor(ctx)
	if err != nil || actor == nil {
		if err != nil {
			c.log.Debug("no actor", zap.Error(err))
		}
		return model.SupportSession{}, errs.ErrNotAuthenticated
	}

	if c.Joined() {
		if err := c.LeaveSession(ctx); err != nil {
			c.log.Warn("leave previous session", zap.Error(err))
		}
	}

	sess, err := c.lc.Join(ctx, sessionID, actor.ID)
	if err != nil {
		return model.SupportSession{}, err
	}
	if err := c.ch.Open(ctx, sessionID); err != nil {
		if _, rerr := c.lc.Revert(ctx, sessionID); rerr != nil {
			c.log.Warn("revert after failed subscribe", zap.Error(rerr))
		}
		c.lc.Forget()
		return model.SupportSession{}, fmt.Errorf("subscribe to session channel: %w", err)
	}

	c.mu.Lock()
	c.joined = true
	c.sessionID = sessionID
	c.lastBeat = time.Time{}
	c.health = HealthUnknown
	c.flash = nil
	c.device = nil
	c.mu.Unlock()
	c.startHealth()

	c.log.Info("joined support session", zap.String("session_id", sessionID), zap.String("admin_id", actor.ID))
	c.notice(LevelSuccess, fmt.Sprintf("Joined session %s for user %s", sess.ID, sess.UserID))
	return sess, nil
}

// ready reports whether input can reach the bridge, leaving a notice in the
// terminal when it cannot.
func (c *Console) ready() bool {
	if !c.Joined() {
		c.notice(LevelWarn, "Not joined to a session")
		return false
	}
	if !c.ch.Connected() {
		c.notice(LevelWarn, "Channel not connected")
		return false
	}
	return true
}

// SendCommand writes a line to the device.
func (c *Console) SendCommand(text string) bool {
	text = strings.TrimRight(text, "\r\n")
	if text == "" || !c.ready() {
		return false
	}
	if err := c.ch.Send(protocol.EventSerialInput, protocol.TextData(text)); err != nil {
		c.notice(LevelError, "Send failed: "+err.Error())
		return false
	}
	c.history.Push(text)
	c.add(Line{Text: text, Source: SourceAdmin})
	return true
}

// SendAction asks the bridge to reset, enter the bootloader, flash or abort
// a flash.
func (c *Console) SendAction(a protocol.Action) bool {
	if !c.ready() {
		return false
	}
	if err := a.Validate(); err != nil {
		c.notice(LevelError, err.Error())
		return false
	}
	if err := c.ch.Send(protocol.EventAction, a); err != nil {
		c.notice(LevelError, "Send failed: "+err.Error())
		return false
	}
	if a.Type == protocol.ActionFlash {
		c.mu.Lock()
		c.flash = &protocol.FlashProgress{Status: "idle"}
		c.mu.Unlock()
	}
	c.add(Line{Text: "action " + string(a.Type), Source: SourceAdmin})
	return true
}

// SetBaud asks the bridge to change the serial speed.
func (c *Console) SetBaud(rate int) bool {
	if rate <= 0 {
		c.notice(LevelError, "Invalid baud rate")
		return false
	}
	if !c.ready() {
		return false
	}
	if err := c.ch.Send(protocol.EventSetBaud, protocol.SetBaud{Rate: rate}); err != nil {
		c.notice(LevelError, "Send failed: "+err.Error())
		return false
	}
	c.add(Line{Text: fmt.Sprintf("baud %d", rate), Source: SourceAdmin})
	return true
}

// LeaveSession hands the session back to the waiting queue so another
// technician can pick it up.
func (c *Console) LeaveSession(ctx context.Context) error {
	id, ok := c.detach()
	if !ok {
		return nil
	}
	_ = c.ch.Close()
	_, err := c.lc.Revert(ctx, id)
	c.lc.Forget()
	if err != nil && !errors.Is(err, errs.ErrSessionClosed) {
		return err
	}
	c.notice(LevelInfo, "Left session "+id)
	return nil
}

// EndSession tells the bridge the session is over and closes it.
func (c *Console) EndSession(ctx context.Context, reason string) error {
	if reason == "" {
		reason = model.CloseReasonAdminEnded
	}
	if !c.Joined() {
		return nil
	}
	if c.ch.Connected() {
		if err := c.ch.Send(protocol.EventSessionEnd, protocol.SessionEnd{Reason: reason}); err != nil {
			c.log.Warn("announce session end", zap.Error(err))
		}
	}
	id, ok := c.detach()
	if !ok {
		return nil
	}
	_, err := c.lc.Close(ctx, id, reason)
	_ = c.ch.Close()
	c.lc.Forget()
	if err != nil {
		return err
	}
	c.notice(LevelInfo, "Session "+id+" ended")
	return nil
}

// Shutdown leaves any joined session so it does not stay assigned to a
// console that is gone.
func (c *Console) Shutdown(ctx context.Context) error {
	return c.LeaveSession(ctx)
}

// detach marks the console unjoined and stops the health poll.
func (c *Console) detach() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return "", false
	}
	c.joined = false
	id := c.sessionID
	c.sessionID = ""
	if c.healthStop != nil {
		close(c.healthStop)
		c.healthStop = nil
	}
	return id, true
}

func (c *Console) startHealth() {
	c.mu.Lock()
	if c.healthStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.healthStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.checkHealth()
			}
		}
	}()
}

// checkHealth reclassifies the bridge from the age of its last heartbeat.
func (c *Console) checkHealth() {
	c.mu.Lock()
	h := ClassifyHealth(c.lastBeat, c.now())
	if h == c.health {
		c.mu.Unlock()
		return
	}
	c.health = h
	listeners := append([]HealthListener(nil), c.onHealth...)
	c.mu.Unlock()

	switch h {
	case HealthDegraded:
		c.notice(LevelWarn, "Bridge heartbeat late")
	case HealthDisconnected:
		c.notice(LevelError, "Bridge not responding")
	case HealthHealthy:
		c.notice(LevelSuccess, "Bridge connected")
	}
	for _, fn := range listeners {
		fn(h)
	}
}

func (c *Console) handleSerialOutput(raw json.RawMessage) {
	out, err := protocol.Decode[protocol.SerialData](raw)
	if err != nil {
		return
	}
	if !out.IsBinary() {
		c.add(Line{Text: out.Text, Source: SourceDevice})
		return
	}
	data, err := out.Bytes()
	if err != nil {
		return
	}
	c.add(Line{Text: fmt.Sprintf("[%d bytes] % x", len(data), data[:min(len(data), 32)]), Source: SourceDevice})
}

func (c *Console) handleDeviceInfo(raw json.RawMessage) {
	info, err := protocol.Decode[protocol.DeviceInfo](raw)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.device = &info
	c.mu.Unlock()
	text := "Device: " + info.Chip
	if info.MAC != "" {
		text += " (" + info.MAC + ")"
	}
	if info.Firmware != "" {
		text += " firmware " + info.Firmware
	}
	c.notice(LevelInfo, text)
}

// handleHeartbeat stamps liveness with the local receive time. A heartbeat
// reporting a lost serial port does not count as liveness.
func (c *Console) handleHeartbeat(raw json.RawMessage) {
	hb, err := protocol.Decode[protocol.Heartbeat](raw)
	if err != nil {
		return
	}
	if !hb.Connected {
		c.notice(LevelWarn, "Bridge lost its serial port")
		return
	}
	c.mu.Lock()
	first := c.lastBeat.IsZero()
	c.lastBeat = c.now()
	c.mu.Unlock()
	if first {
		c.checkHealth()
	}
}

func (c *Console) handleActionResult(raw json.RawMessage) {
	res, err := protocol.Decode[protocol.ActionResult](raw)
	if err != nil {
		return
	}
	if res.Success {
		c.notice(LevelSuccess, fmt.Sprintf("%s succeeded", res.Action))
		return
	}
	c.notice(LevelError, fmt.Sprintf("%s failed: %s", res.Action, res.Error))
}

func (c *Console) handleFlashProgress(raw json.RawMessage) {
	p, err := protocol.Decode[protocol.FlashProgress](raw)
	if err != nil {
		return
	}
	c.mu.Lock()
	prev := c.flash
	c.flash = &p
	c.mu.Unlock()

	if prev != nil && prev.Phase == p.Phase && prev.Status == p.Status {
		return
	}
	level := LevelInfo
	switch p.Status {
	case "complete":
		level = LevelSuccess
	case "error":
		level = LevelError
	}
	text := fmt.Sprintf("Flash %s %d%%: %s", p.Phase, p.Percent, p.Message)
	if p.Error != "" {
		text += " (" + p.Error + ")"
	}
	c.notice(level, text)
}

func (c *Console) handleSessionEnd(raw json.RawMessage) {
	end, _ := protocol.Decode[protocol.SessionEnd](raw)
	c.lc.Observe(protocol.SessionStatus{Status: model.StatusClosed, Reason: end.Reason})
	id, ok := c.detach()
	if !ok {
		return
	}
	_ = c.ch.Close()
	c.log.Info("session ended by bridge", zap.String("session_id", id), zap.String("reason", end.Reason))
	c.notice(LevelWarn, fmt.Sprintf("Session ended by user (%s)", end.Reason))
}

func (c *Console) handleSessionStatus(raw json.RawMessage) {
	ev, err := protocol.Decode[protocol.SessionStatus](raw)
	if err != nil {
		return
	}
	c.lc.Observe(ev)
}

func (c *Console) handleBaudAck(raw json.RawMessage) {
	ack, err := protocol.Decode[protocol.BaudAck](raw)
	if err != nil {
		return
	}
	c.notice(LevelInfo, fmt.Sprintf("Baud rate now %d", ack.Rate))
}
