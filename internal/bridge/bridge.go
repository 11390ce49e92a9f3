// Package bridge relays a locally attached device to a support channel and
// carries out the technician's requests on it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"support-bridge/internal/channel"
	"support-bridge/internal/flash"
	"support-bridge/internal/lifecycle"
	"support-bridge/internal/model"
	"support-bridge/internal/protocol"
	"support-bridge/internal/serialport"
)

type Serial interface {
	Connect(ctx context.Context, baud int) error
	Disconnect() error
	Write(text string) error
	WriteBytes(b []byte) error
	SetHandlers(h serialport.Handlers)
	PauseReader()
	ResumeReader()
	ChangeBaudRate(ctx context.Context, rate int) error
	SetSignals(s serialport.Signals) error
	Wire() (serialport.Wire, error)
	Connected() bool
}

type Channel interface {
	On(event string, h channel.Handler)
	OnStatus(fn channel.StatusFunc)
	Open(ctx context.Context, sessionID string) error
	Send(event string, payload any) error
	Close() error
	Connected() bool
}

type Flasher interface {
	StartFlash(ctx context.Context, wire flash.Wire, manifestURL string, onProgress func(flash.Progress)) flash.Progress
	AbortFlash()
	ResetState()
	Chip() *flash.ChipInfo
}

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultResetHold         = 100 * time.Millisecond
	defaultBootHold          = 50 * time.Millisecond
	jobQueueSize             = 16
)

type Options struct {
	Serial            Serial
	Channel           Channel
	Flasher           Flasher
	Lifecycle         *lifecycle.Lifecycle
	BaudRate          int
	HeartbeatInterval time.Duration
	ResetHold         time.Duration
	BootHold          time.Duration
	Now               func() time.Time
	Logger            *zap.Logger
}

type Bridge struct {
	serial    Serial
	channel   Channel
	flasher   Flasher
	lifecycle *lifecycle.Lifecycle
	baud      int
	hbEvery   time.Duration
	resetHold time.Duration
	bootHold  time.Duration
	now       func() time.Time
	log       *zap.Logger

	jobs chan func(ctx context.Context)
	ctx  context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	binary    bool
	serialUp  bool
	channelUp bool
	started   bool
	ended     bool
	endReason string
	hbStop    chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) *Bridge {
	b := &Bridge{
		serial:    opts.Serial,
		channel:   opts.Channel,
		flasher:   opts.Flasher,
		lifecycle: opts.Lifecycle,
		baud:      opts.BaudRate,
		hbEvery:   opts.HeartbeatInterval,
		resetHold: opts.ResetHold,
		bootHold:  opts.BootHold,
		now:       opts.Now,
		log:       opts.Logger,
		jobs:      make(chan func(ctx context.Context), jobQueueSize),
		done:      make(chan struct{}),
	}
	if b.baud <= 0 {
		b.baud = 115200
	}
	if b.hbEvery <= 0 {
		b.hbEvery = defaultHeartbeatInterval
	}
	if b.resetHold <= 0 {
		b.resetHold = defaultResetHold
	}
	if b.bootHold <= 0 {
		b.bootHold = defaultBootHold
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	b.ctx, b.stop = context.WithCancel(context.Background())
	return b
}

// Done is closed once the bridge has torn down, for whatever reason.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// EndReason is the close reason of the finished session.
func (b *Bridge) EndReason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endReason
}

// Session returns the session the bridge is serving.
func (b *Bridge) Session() *model.SupportSession {
	return b.lifecycle.Current()
}

// StartSupport opens the serial port, creates or resumes the user's session
// and subscribes to its channel.
func (b *Bridge) StartSupport(ctx context.Context, userID string) (model.SupportSession, error) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return model.SupportSession{}, errors.New("bridge already started")
	}
	b.started = true
	b.mu.Unlock()

	b.serial.SetHandlers(serialport.Handlers{
		OnLine:       b.onLine,
		OnRaw:        b.onRaw,
		OnDisconnect: b.onSerialLost,
	})
	b.registerChannelHandlers()

	if err := b.serial.Connect(ctx, b.baud); err != nil {
		b.resetStart()
		return model.SupportSession{}, err
	}
	b.setSerialUp(true)

	sess, err := b.lifecycle.Create(ctx, userID)
	if err != nil {
		_ = b.serial.Disconnect()
		b.setSerialUp(false)
		b.resetStart()
		return model.SupportSession{}, err
	}

	if err := b.channel.Open(ctx, sess.ID); err != nil {
		_ = b.serial.Disconnect()
		b.setSerialUp(false)
		if _, cerr := b.lifecycle.Close(ctx, sess.ID, model.CloseReasonChannelFailed); cerr != nil {
			b.log.Warn("close session after failed subscribe", zap.Error(cerr))
		}
		b.lifecycle.Forget()
		b.resetStart()
		return model.SupportSession{}, fmt.Errorf("subscribe to session channel: %w", err)
	}

	go b.worker()
	b.log.Info("support bridge started", zap.String("session_id", sess.ID))
	return sess, nil
}

// resetStart lets StartSupport be retried after a failed start.
func (b *Bridge) resetStart() {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
}

func (b *Bridge) registerChannelHandlers() {
	b.channel.OnStatus(func(s channel.Status, err error) {
		b.mu.Lock()
		b.channelUp = s == channel.StatusConnected
		b.mu.Unlock()
		if err != nil {
			b.log.Warn("channel status", zap.String("status", string(s)), zap.Error(err))
		}
		b.reconcileHeartbeat()
	})
	b.channel.On(protocol.EventSerialInput, b.onSerialInput)
	b.channel.On(protocol.EventAction, b.onAction)
	b.channel.On(protocol.EventShimHello, b.onShimHello)
	b.channel.On(protocol.EventSignal, b.onSignal)
	b.channel.On(protocol.EventSetBaud, b.onSetBaud)
	b.channel.On(protocol.EventSessionEnd, b.onSessionEnd)
	b.channel.On(protocol.EventSessionStatus, b.onSessionStatus)
}

func (b *Bridge) send(event string, payload any) {
	if err := b.channel.Send(event, payload); err != nil {
		b.log.Debug("send failed", zap.String("event", event), zap.Error(err))
	}
}

func (b *Bridge) binaryMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binary
}

func (b *Bridge) onLine(line string) {
	if b.binaryMode() {
		return
	}
	b.send(protocol.EventSerialOutput, protocol.TextData(line))
}

func (b *Bridge) onRaw(chunk []byte) {
	if !b.binaryMode() {
		return
	}
	for _, part := range protocol.SplitBinary(chunk) {
		b.send(protocol.EventSerialOutput, part)
	}
}

func (b *Bridge) onShimHello(raw json.RawMessage) {
	hello, _ := protocol.Decode[protocol.ShimHello](raw)
	b.mu.Lock()
	b.binary = true
	b.mu.Unlock()
	b.log.Info("binary relay enabled", zap.String("shim", hello.Type))
}

func (b *Bridge) onSerialInput(raw json.RawMessage) {
	in, err := protocol.Decode[protocol.SerialData](raw)
	if err != nil {
		b.log.Debug("bad serial_input", zap.Error(err))
		return
	}
	if in.IsBinary() {
		data, err := in.Bytes()
		if err != nil {
			b.log.Debug("bad binary serial_input", zap.Error(err))
			return
		}
		err = b.serial.WriteBytes(data)
	} else {
		err = b.serial.Write(in.Text)
	}
	if err != nil {
		b.log.Warn("serial write failed", zap.Error(err))
	}
}

func (b *Bridge) onSignal(raw json.RawMessage) {
	sig, err := protocol.Decode[protocol.Signal](raw)
	if err != nil {
		return
	}
	if err := b.serial.SetSignals(serialport.Signals{DTR: sig.DTR, RTS: sig.RTS}); err != nil {
		b.log.Warn("set signals failed", zap.Error(err))
	}
}

func (b *Bridge) onSetBaud(raw json.RawMessage) {
	req, err := protocol.Decode[protocol.SetBaud](raw)
	if err != nil || req.Rate <= 0 {
		return
	}
	b.enqueue(func(ctx context.Context) {
		if err := b.serial.ChangeBaudRate(ctx, req.Rate); err != nil {
			b.log.Warn("baud change failed", zap.Int("baud", req.Rate), zap.Error(err))
			return
		}
		b.send(protocol.EventBaudAck, protocol.BaudAck{Rate: req.Rate})
	})
}

func (b *Bridge) onAction(raw json.RawMessage) {
	a, err := protocol.Decode[protocol.Action](raw)
	if err == nil {
		err = a.Validate()
	}
	if err != nil {
		b.send(protocol.EventActionResult, protocol.ActionResult{Action: a.Type, Success: false, Error: err.Error()})
		return
	}
	if a.Type == protocol.ActionFlashAbort {
		b.flasher.AbortFlash()
		b.send(protocol.EventActionResult, protocol.ActionResult{Action: a.Type, Success: true})
		return
	}
	if !b.enqueue(func(ctx context.Context) { b.runAction(ctx, a) }) {
		b.send(protocol.EventActionResult, protocol.ActionResult{Action: a.Type, Success: false, Error: "bridge busy"})
	}
}

// enqueue hands work to the action worker so serial control happens in
// arrival order.
func (b *Bridge) enqueue(job func(ctx context.Context)) bool {
	select {
	case b.jobs <- job:
		return true
	default:
		b.log.Warn("action queue full, dropping")
		return false
	}
}

func (b *Bridge) worker() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case job := <-b.jobs:
			job(b.ctx)
		}
	}
}

func (b *Bridge) runAction(ctx context.Context, a protocol.Action) {
	var err error
	switch a.Type {
	case protocol.ActionReset:
		err = b.resetDevice()
	case protocol.ActionBootloader:
		err = b.enterBootloader()
	case protocol.ActionFlash:
		err = b.flashDevice(ctx, a.ManifestURL)
	}

	result := protocol.ActionResult{Action: a.Type, Success: err == nil}
	if err != nil {
		result.Error = err.Error()
		b.log.Warn("action failed", zap.String("action", string(a.Type)), zap.Error(err))
	} else {
		b.log.Info("action done", zap.String("action", string(a.Type)))
	}
	b.send(protocol.EventActionResult, result)
}

func (b *Bridge) signals(dtr, rts bool) error {
	return b.serial.SetSignals(serialport.Signals{DTR: &dtr, RTS: &rts})
}

// resetDevice pulses EN through RTS with IO0 released.
func (b *Bridge) resetDevice() error {
	if err := b.signals(false, true); err != nil {
		return err
	}
	time.Sleep(b.resetHold)
	return b.signals(false, false)
}

// enterBootloader resets with IO0 held low through DTR.
func (b *Bridge) enterBootloader() error {
	if err := b.signals(false, true); err != nil {
		return err
	}
	time.Sleep(b.resetHold)
	if err := b.signals(true, false); err != nil {
		return err
	}
	time.Sleep(b.bootHold)
	return b.signals(false, false)
}

func (b *Bridge) flashDevice(ctx context.Context, manifestURL string) error {
	b.serial.PauseReader()
	defer b.serial.ResumeReader()

	wire, err := b.serial.Wire()
	if err != nil {
		return fmt.Errorf("serial port not available for flashing: %w", err)
	}

	b.flasher.ResetState()
	p := b.flasher.StartFlash(ctx, wire, manifestURL, func(p flash.Progress) {
		b.send(protocol.EventFlashProgress, protocol.FlashProgress{
			Status:  string(p.Status),
			Phase:   p.Phase,
			Percent: p.Percent,
			Message: p.Message,
			Error:   p.Error,
		})
	})
	switch {
	case p.Aborted:
		return errors.New("flash aborted")
	case p.Status != flash.StatusComplete:
		if p.Error != "" {
			return errors.New(p.Error)
		}
		return fmt.Errorf("flash ended in %s", p.Status)
	}

	if chip := b.flasher.Chip(); chip != nil {
		info := protocol.DeviceInfo{Chip: chip.Family, MAC: chip.MAC}
		b.send(protocol.EventDeviceInfo, info)
		if _, err := b.lifecycle.UpdateDevice(ctx, info.Model()); err != nil {
			b.log.Warn("store device info failed", zap.Error(err))
		}
	}
	return nil
}

func (b *Bridge) onSessionEnd(raw json.RawMessage) {
	end, _ := protocol.Decode[protocol.SessionEnd](raw)
	reason := end.Reason
	if reason == "" {
		reason = model.CloseReasonAdminEnded
	}
	b.log.Info("session ended remotely", zap.String("reason", reason))
	go b.teardown(context.Background(), reason, false)
}

func (b *Bridge) onSessionStatus(raw json.RawMessage) {
	ev, err := protocol.Decode[protocol.SessionStatus](raw)
	if err != nil {
		return
	}
	b.lifecycle.Observe(ev)
	if ev.Status == model.StatusClosed {
		reason := ev.Reason
		if reason == "" {
			reason = model.CloseReasonAdminEnded
		}
		go b.teardown(context.Background(), reason, false)
	}
}

func (b *Bridge) onSerialLost(err error) {
	b.log.Warn("serial port lost", zap.Error(err))
	b.setSerialUp(false)
	if b.channel.Connected() {
		b.send(protocol.EventHeartbeat, protocol.NewHeartbeat(false, b.now()))
	}
	go b.teardown(context.Background(), model.CloseReasonSerialLost, true)
}

// EndSupport announces the end on the channel, closes the session and
// releases the port and channel, in that order.
func (b *Bridge) EndSupport(ctx context.Context, reason string) error {
	if reason == "" {
		reason = model.CloseReasonUserEnded
	}
	return b.teardown(ctx, reason, true)
}

func (b *Bridge) teardown(ctx context.Context, reason string, announce bool) error {
	b.mu.Lock()
	if b.ended {
		b.mu.Unlock()
		return nil
	}
	b.ended = true
	b.endReason = reason
	b.mu.Unlock()
	b.reconcileHeartbeat()
	b.flasher.AbortFlash()

	if announce && b.channel.Connected() {
		b.send(protocol.EventSessionEnd, protocol.SessionEnd{Reason: reason})
	}

	var errs []error
	if sess := b.lifecycle.Current(); sess != nil {
		if _, err := b.lifecycle.Close(ctx, sess.ID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.serial.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect serial: %w", err))
	}
	b.setSerialUp(false)
	if err := b.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	b.stop()

	b.log.Info("support bridge stopped", zap.String("reason", reason))
	b.doneOnce.Do(func() { close(b.done) })
	return errors.Join(errs...)
}

func (b *Bridge) setSerialUp(up bool) {
	b.mu.Lock()
	b.serialUp = up
	b.mu.Unlock()
	b.reconcileHeartbeat()
}

// reconcileHeartbeat runs the heartbeat loop exactly while both the serial
// port and the channel are up.
func (b *Bridge) reconcileHeartbeat() {
	b.mu.Lock()
	want := b.serialUp && b.channelUp && !b.ended
	switch {
	case want && b.hbStop == nil:
		stop := make(chan struct{})
		b.hbStop = stop
		b.mu.Unlock()
		go b.heartbeatLoop(stop)
		return
	case !want && b.hbStop != nil:
		close(b.hbStop)
		b.hbStop = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) heartbeatRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hbStop != nil
}

func (b *Bridge) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(b.hbEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}
		b.send(protocol.EventHeartbeat, protocol.NewHeartbeat(true, b.now()))

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
