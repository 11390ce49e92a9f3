package serialport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPortUnavailable  = errors.New("serial port unavailable")
	ErrNoPortSelected   = errors.New("no serial port selected")
	ErrPermissionDenied = errors.New("serial port permission denied")
	ErrPortBusy         = errors.New("serial port busy")
	ErrNotConnected     = errors.New("serial port not connected")
	ErrReaderActive     = errors.New("serial reader is running")
	ErrExclusive        = errors.New("serial port is in exclusive use")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	defaultReadTimeout = 100 * time.Millisecond
	readBufferSize     = 4096
	maxLineLength      = 64 * 1024
)

// Port is an open serial device. Read returns (0, nil) when the read timeout
// elapses without data.
type Port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	SetReadTimeout(t time.Duration) error
}

// baudSetter is implemented by ports that can change speed without reopening.
type baudSetter interface {
	SetBaudRate(rate int) error
}

type Driver interface {
	Ports() ([]string, error)
	Open(name string, baud int) (Port, error)
}

// Selector picks one of the available ports. An empty name means the user
// cancelled.
type Selector func(ports []string) (string, error)

// Wire is raw exclusive access to the port, handed out while the reader is paused.
type Wire interface {
	io.ReadWriter
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// Signals leaves a line untouched when its field is nil.
type Signals struct {
	DTR *bool
	RTS *bool
}

// Handlers are looked up at dispatch time and always called without the
// transport lock held. They must not call PauseReader.
type Handlers struct {
	OnLine       func(line string)
	OnRaw        func(chunk []byte)
	OnDisconnect func(err error)
	OnState      func(state State)
}

type Options struct {
	Driver      Driver
	Select      Selector
	PortName    string
	ReadTimeout time.Duration
	Logger      *zap.Logger
}

type reader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Transport owns one serial connection and its read loop.
type Transport struct {
	driver      Driver
	selectPort  Selector
	portName    string
	readTimeout time.Duration
	log         *zap.Logger

	// opMu serializes connect, disconnect and baud changes.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	port      Port
	name      string
	baud      int
	handlers  Handlers
	reader    *reader
	exclusive bool
	lineBuf   []byte
}

func New(opts Options) *Transport {
	t := &Transport{
		driver:      opts.Driver,
		selectPort:  opts.Select,
		portName:    opts.PortName,
		readTimeout: opts.ReadTimeout,
		log:         opts.Logger,
		state:       StateDisconnected,
	}
	if t.driver == nil {
		t.driver = SystemDriver{}
	}
	if t.readTimeout <= 0 {
		t.readTimeout = defaultReadTimeout
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	return t
}

func (t *Transport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Transport) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baud
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	h := t.handlers.OnState
	t.mu.Unlock()

	if h != nil {
		h(s)
	}
}

// Connect selects and opens a port and starts the read loop. Connecting an
// already connected transport is a no-op.
func (t *Transport) Connect(ctx context.Context, baud int) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.Connected() {
		return nil
	}
	t.setState(StateConnecting)

	name, err := t.choosePort(ctx)
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}

	port, err := t.driver.Open(name, baud)
	if err != nil {
		t.setState(StateError)
		return err
	}
	if err := port.SetReadTimeout(t.readTimeout); err != nil {
		_ = port.Close()
		t.setState(StateError)
		return fmt.Errorf("set read timeout: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.name = name
	t.baud = baud
	t.lineBuf = nil
	t.exclusive = false
	t.mu.Unlock()

	t.log.Info("serial port connected", zap.String("port", name), zap.Int("baud", baud))
	t.setState(StateConnected)
	t.ResumeReader()
	return nil
}

func (t *Transport) choosePort(ctx context.Context) (string, error) {
	if t.portName != "" {
		return t.portName, nil
	}
	ports, err := t.driver.Ports()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("%w: no serial ports found", ErrPortUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.selectPort == nil {
		return ports[0], nil
	}
	name, err := t.selectPort(ports)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoPortSelected, err)
	}
	if name == "" {
		return "", ErrNoPortSelected
	}
	return name, nil
}

// Disconnect stops the reader and closes the port. It never triggers
// OnDisconnect.
func (t *Transport) Disconnect() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.PauseReader()

	t.mu.Lock()
	port := t.port
	t.port = nil
	t.lineBuf = nil
	t.exclusive = false
	t.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	t.log.Info("serial port disconnected")
	t.setState(StateDisconnected)
	return err
}

// PauseReader cancels the read loop and returns once it has exited. No
// callback fires after it returns. Pausing a paused reader is a no-op.
func (t *Transport) PauseReader() {
	t.mu.Lock()
	r := t.reader
	t.reader = nil
	t.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// ResumeReader restarts the read loop; it is a no-op when the loop is running
// or the port is closed. Exclusive access handed out by Wire ends here.
func (t *Transport) ResumeReader() {
	t.mu.Lock()
	if t.port == nil || t.reader != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &reader{cancel: cancel, done: make(chan struct{})}
	t.reader = r
	t.exclusive = false
	port := t.port
	t.mu.Unlock()

	go t.readLoop(ctx, r, port)
}

func (t *Transport) Reading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reader != nil
}

func (t *Transport) readLoop(ctx context.Context, r *reader, port Port) {
	defer close(r.done)

	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.lost(r, port, err)
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		t.dispatch(chunk)
	}
}

func (t *Transport) dispatch(chunk []byte) {
	t.mu.Lock()
	h := t.handlers
	t.lineBuf = append(t.lineBuf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(t.lineBuf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, decodeLine(t.lineBuf[:i]))
		t.lineBuf = t.lineBuf[i+1:]
	}
	if len(t.lineBuf) > maxLineLength {
		lines = append(lines, decodeLine(t.lineBuf))
		t.lineBuf = nil
	}
	if len(t.lineBuf) == 0 {
		t.lineBuf = nil
	}
	t.mu.Unlock()

	if h.OnRaw != nil {
		h.OnRaw(chunk)
	}
	if h.OnLine != nil {
		for _, line := range lines {
			h.OnLine(line)
		}
	}
}

func decodeLine(b []byte) string {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	return strings.ToValidUTF8(string(b), "�")
}

// lost handles a read failure that nobody asked for, such as an unplug.
func (t *Transport) lost(r *reader, port Port, cause error) {
	t.mu.Lock()
	if t.reader != r {
		t.mu.Unlock()
		return
	}
	t.reader = nil
	t.port = nil
	t.lineBuf = nil
	h := t.handlers
	t.mu.Unlock()

	_ = port.Close()
	t.log.Warn("serial port lost", zap.Error(cause))
	t.setState(StateDisconnected)
	if h.OnDisconnect != nil {
		h.OnDisconnect(fmt.Errorf("%w: %v", ErrPortUnavailable, cause))
	}
}

func (t *Transport) activePort() (Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotConnected
	}
	if t.exclusive {
		return nil, ErrExclusive
	}
	return t.port, nil
}

// Write sends text followed by a newline.
func (t *Transport) Write(text string) error {
	return t.WriteBytes([]byte(text + "\n"))
}

// WriteRaw sends text as-is.
func (t *Transport) WriteRaw(text string) error {
	return t.WriteBytes([]byte(text))
}

func (t *Transport) WriteBytes(b []byte) error {
	port, err := t.activePort()
	if err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := port.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (t *Transport) SetSignals(s Signals) error {
	port, err := t.activePort()
	if err != nil {
		return err
	}
	if s.DTR != nil {
		if err := port.SetDTR(*s.DTR); err != nil {
			return fmt.Errorf("set DTR: %w", err)
		}
	}
	if s.RTS != nil {
		if err := port.SetRTS(*s.RTS); err != nil {
			return fmt.Errorf("set RTS: %w", err)
		}
	}
	return nil
}

// ChangeBaudRate pauses the reader, switches the speed and resumes. Ports
// that cannot change speed in place are closed and reopened.
func (t *Transport) ChangeBaudRate(ctx context.Context, rate int) error {
	if rate <= 0 {
		return fmt.Errorf("invalid baud rate %d", rate)
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	wasReading := t.reader != nil
	name := t.name
	t.mu.Unlock()

	t.PauseReader()

	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if setter, ok := port.(baudSetter); ok {
		if err := setter.SetBaudRate(rate); err != nil {
			if wasReading {
				t.ResumeReader()
			}
			return fmt.Errorf("set baud rate: %w", err)
		}
	} else {
		if err := ctx.Err(); err != nil {
			if wasReading {
				t.ResumeReader()
			}
			return err
		}
		t.mu.Lock()
		t.port = nil
		t.mu.Unlock()
		_ = port.Close()

		reopened, err := t.driver.Open(name, rate)
		if err == nil {
			err = reopened.SetReadTimeout(t.readTimeout)
		}
		if err != nil {
			t.setState(StateError)
			t.mu.Lock()
			h := t.handlers.OnDisconnect
			t.mu.Unlock()
			if h != nil {
				h(err)
			}
			return fmt.Errorf("reopen at %d: %w", rate, err)
		}
		t.mu.Lock()
		t.port = reopened
		t.lineBuf = nil
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.baud = rate
	t.mu.Unlock()
	t.log.Info("serial baud rate changed", zap.Int("baud", rate))

	if wasReading {
		t.ResumeReader()
	}
	return nil
}

// Wire hands out exclusive raw access. The reader must be paused; ordinary
// writes fail with ErrExclusive until ResumeReader.
func (t *Transport) Wire() (Wire, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, ErrNotConnected
	}
	if t.reader != nil {
		return nil, ErrReaderActive
	}
	t.exclusive = true
	return t.port, nil
}
