package serialport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakePort struct {
	incoming chan []byte
	fail     chan error
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written bytes.Buffer
	dtr     []bool
	rts     []bool
	timeout time.Duration

	readers    atomic.Int32
	maxReaders atomic.Int32
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 16),
		fail:     make(chan error, 1),
		closed:   make(chan struct{}),
		timeout:  10 * time.Millisecond,
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	cur := p.readers.Add(1)
	defer p.readers.Add(-1)
	for {
		seen := p.maxReaders.Load()
		if cur <= seen || p.maxReaders.CompareAndSwap(seen, cur) {
			break
		}
	}

	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	select {
	case chunk := <-p.incoming:
		return copy(b, chunk), nil
	case err := <-p.fail:
		return 0, err
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	p.dtr = append(p.dtr, v)
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetRTS(v bool) error {
	p.mu.Lock()
	p.rts = append(p.rts, v)
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type fakeDriver struct {
	mu      sync.Mutex
	names   []string
	ports   []*fakePort
	bauds   []int
	openErr error
}

func (d *fakeDriver) Ports() ([]string, error) { return d.names, nil }

func (d *fakeDriver) Open(name string, baud int) (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	p := newFakePort()
	d.ports = append(d.ports, p)
	d.bauds = append(d.bauds, baud)
	return p, nil
}

func (d *fakeDriver) last() *fakePort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ports[len(d.ports)-1]
}

type recorder struct {
	mu    sync.Mutex
	lines []string
	raw   int
	lost  []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnLine: func(line string) {
			r.mu.Lock()
			r.lines = append(r.lines, line)
			r.mu.Unlock()
		},
		OnRaw: func([]byte) {
			r.mu.Lock()
			r.raw++
			r.mu.Unlock()
		},
		OnDisconnect: func(err error) {
			r.mu.Lock()
			r.lost = append(r.lost, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]string, int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...), r.raw, append([]error(nil), r.lost...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func connected(t *testing.T) (*Transport, *fakeDriver, *recorder) {
	t.Helper()
	drv := &fakeDriver{names: []string{"/dev/ttyUSB0"}}
	tr := New(Options{Driver: drv, ReadTimeout: 10 * time.Millisecond})
	rec := &recorder{}
	tr.SetHandlers(rec.handlers())
	if err := tr.Connect(context.Background(), 115200); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return tr, drv, rec
}

func TestConnect_SplitsLines(t *testing.T) {
	tr, drv, rec := connected(t)
	defer tr.Disconnect()

	if tr.PortName() != "/dev/ttyUSB0" || tr.BaudRate() != 115200 || tr.State() != StateConnected {
		t.Fatalf("unexpected transport state")
	}

	port := drv.last()
	port.incoming <- []byte("hello\r\nwor")
	port.incoming <- []byte("ld\n")

	eventually(t, func() bool {
		lines, _, _ := rec.snapshot()
		return len(lines) == 2
	})
	lines, raw, _ := rec.snapshot()
	if lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("unexpected lines %q", lines)
	}
	if raw != 2 {
		t.Fatalf("expected 2 raw chunks, got %d", raw)
	}
}

func TestPauseReader_StopsCallbacksAndHandsOutWire(t *testing.T) {
	tr, drv, rec := connected(t)
	defer tr.Disconnect()
	port := drv.last()

	if _, err := tr.Wire(); !errors.Is(err, ErrReaderActive) {
		t.Fatalf("expected ErrReaderActive, got %v", err)
	}

	tr.PauseReader()
	tr.PauseReader()

	port.incoming <- []byte("ignored\n")
	time.Sleep(50 * time.Millisecond)
	if lines, _, _ := rec.snapshot(); len(lines) != 0 {
		t.Fatalf("expected no callbacks while paused, got %q", lines)
	}

	wire, err := tr.Wire()
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	if err := tr.Write("x"); !errors.Is(err, ErrExclusive) {
		t.Fatalf("expected ErrExclusive, got %v", err)
	}
	buf := make([]byte, 16)
	n, err := wire.Read(buf)
	if err != nil || string(buf[:n]) != "ignored\n" {
		t.Fatalf("expected wire to read pending data, got %q %v", buf[:n], err)
	}

	tr.ResumeReader()
	tr.ResumeReader()
	port.incoming <- []byte("back\n")
	eventually(t, func() bool {
		lines, _, _ := rec.snapshot()
		return len(lines) == 1 && lines[0] == "back"
	})
	if port.maxReaders.Load() != 1 {
		t.Fatalf("expected a single reader, saw %d", port.maxReaders.Load())
	}
	if err := tr.Write("ok"); err != nil {
		t.Fatalf("Write after resume: %v", err)
	}
}

func TestUnplug_NotifiesOnce(t *testing.T) {
	tr, drv, rec := connected(t)
	drv.last().fail <- errors.New("device removed")

	eventually(t, func() bool {
		_, _, lost := rec.snapshot()
		return len(lost) == 1
	})
	_, _, lost := rec.snapshot()
	if !errors.Is(lost[0], ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", lost[0])
	}
	if tr.Connected() || tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected after unplug")
	}
	if err := tr.Write("x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnect_DoesNotNotify(t *testing.T) {
	tr, drv, rec := connected(t)
	port := drv.last()
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !port.isClosed() {
		t.Fatalf("expected port closed")
	}
	time.Sleep(30 * time.Millisecond)
	if _, _, lost := rec.snapshot(); len(lost) != 0 {
		t.Fatalf("expected no disconnect callback, got %v", lost)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func TestConnect_Errors(t *testing.T) {
	tr := New(Options{Driver: &fakeDriver{}})
	if err := tr.Connect(context.Background(), 115200); !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}

	drv := &fakeDriver{names: []string{"a", "b"}}
	tr = New(Options{Driver: drv, Select: func([]string) (string, error) { return "", nil }})
	if err := tr.Connect(context.Background(), 115200); !errors.Is(err, ErrNoPortSelected) {
		t.Fatalf("expected ErrNoPortSelected, got %v", err)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", tr.State())
	}

	drv.openErr = ErrPermissionDenied
	tr = New(Options{Driver: drv, PortName: "a"})
	if err := tr.Connect(context.Background(), 115200); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if tr.State() != StateError {
		t.Fatalf("expected error state, got %s", tr.State())
	}
}

func TestPromptSelector(t *testing.T) {
	var out bytes.Buffer
	sel := PromptSelector(strings.NewReader("2\n"), &out)
	name, err := sel([]string{"a", "b"})
	if err != nil || name != "b" {
		t.Fatalf("expected b, got %q %v", name, err)
	}
	if !strings.Contains(out.String(), "[2] b") {
		t.Fatalf("expected listing, got %q", out.String())
	}

	name, err = PromptSelector(strings.NewReader("\n"), &out)([]string{"a"})
	if err != nil || name != "" {
		t.Fatalf("expected cancel, got %q %v", name, err)
	}
}

func TestChangeBaudRate_Reopens(t *testing.T) {
	tr, drv, rec := connected(t)
	defer tr.Disconnect()
	first := drv.last()

	if err := tr.ChangeBaudRate(context.Background(), 921600); err != nil {
		t.Fatalf("ChangeBaudRate: %v", err)
	}
	if !first.isClosed() {
		t.Fatalf("expected old port closed")
	}
	if tr.BaudRate() != 921600 || drv.bauds[len(drv.bauds)-1] != 921600 {
		t.Fatalf("expected reopen at 921600, got %v", drv.bauds)
	}
	if !tr.Reading() {
		t.Fatalf("expected reader resumed")
	}
	drv.last().incoming <- []byte("fast\n")
	eventually(t, func() bool {
		lines, _, _ := rec.snapshot()
		return len(lines) == 1
	})
	if _, _, lost := rec.snapshot(); len(lost) != 0 {
		t.Fatalf("expected no disconnect, got %v", lost)
	}
}

type settablePort struct {
	*fakePort
	rate int
}

func (p *settablePort) SetBaudRate(rate int) error {
	p.rate = rate
	return nil
}

type settableDriver struct{ port *settablePort }

func (d *settableDriver) Ports() ([]string, error) { return []string{"x"}, nil }
func (d *settableDriver) Open(string, int) (Port, error) {
	return d.port, nil
}

func TestChangeBaudRate_InPlace(t *testing.T) {
	drv := &settableDriver{port: &settablePort{fakePort: newFakePort()}}
	tr := New(Options{Driver: drv, ReadTimeout: 10 * time.Millisecond})
	if err := tr.Connect(context.Background(), 115200); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect()

	if err := tr.ChangeBaudRate(context.Background(), 460800); err != nil {
		t.Fatalf("ChangeBaudRate: %v", err)
	}
	if drv.port.rate != 460800 || drv.port.isClosed() {
		t.Fatalf("expected in-place change, got rate=%d closed=%v", drv.port.rate, drv.port.isClosed())
	}
}

func TestSetSignalsAndWrite(t *testing.T) {
	tr, drv, _ := connected(t)
	defer tr.Disconnect()
	port := drv.last()

	on, off := true, false
	if err := tr.SetSignals(Signals{DTR: &off, RTS: &on}); err != nil {
		t.Fatalf("SetSignals: %v", err)
	}
	if err := tr.SetSignals(Signals{RTS: &off}); err != nil {
		t.Fatalf("SetSignals: %v", err)
	}
	port.mu.Lock()
	dtr, rts := port.dtr, port.rts
	port.mu.Unlock()
	if len(dtr) != 1 || dtr[0] || len(rts) != 2 || !rts[0] || rts[1] {
		t.Fatalf("unexpected signals dtr=%v rts=%v", dtr, rts)
	}

	if err := tr.Write("help"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tr.WriteRaw("\x03"); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if got := port.Written(); got != "help\n\x03" {
		t.Fatalf("unexpected written %q", got)
	}
}
