// Package flash writes firmware to an ESP device over a borrowed serial wire.
package flash

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusFlashing   Status = "flashing"
	StatusResetting  Status = "resetting"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

const (
	PhaseConnecting  = "connecting"
	PhaseDownloading = "downloading"
	PhaseWriting     = "writing"
	PhaseResetting   = "resetting"
	PhaseComplete    = "complete"
)

// Write progress occupies the band [writeBase, writeBase+writeSpan].
const (
	writeBase = 20
	writeSpan = 65
)

type Progress struct {
	Status  Status
	Phase   string
	Percent int
	Message string
	Error   string
	// Aborted is set on the value StartFlash returns after AbortFlash.
	Aborted bool
}

type ChipInfo struct {
	Family string
	MAC    string
}

// Wire is exclusive raw access to the serial port. Read returns (0, nil)
// when its timeout elapses.
type Wire interface {
	io.ReadWriter
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

type Loader interface {
	Connect(ctx context.Context) (ChipInfo, error)
	WriteFlash(ctx context.Context, image []byte, offset uint32, progress func(written, total int)) error
	Reset(ctx context.Context) error
	Close() error
}

type LoaderFactory func(w Wire) Loader

var ErrBusy = errors.New("flash already in progress")

// token is the cancellation flag of one attempt.
type token struct {
	aborted atomic.Bool
}

type Options struct {
	HTTPClient *http.Client
	NewLoader  LoaderFactory
	Logger     *zap.Logger
}

type Orchestrator struct {
	client    *http.Client
	newLoader LoaderFactory
	log       *zap.Logger

	mu       sync.Mutex
	progress Progress
	chip     *ChipInfo
	current  *token

	// emitMu is held while a progress callback runs so AbortFlash can wait
	// out an in-flight emit.
	emitMu sync.Mutex
}

func NewOrchestrator(opts Options) *Orchestrator {
	o := &Orchestrator{
		client:    opts.HTTPClient,
		newLoader: opts.NewLoader,
		log:       opts.Logger,
		progress:  Progress{Status: StatusIdle},
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: 60 * time.Second}
	}
	if o.newLoader == nil {
		o.newLoader = NewESPLoader
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return o
}

func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Chip returns the chip detected by the last attempt, if any.
func (o *Orchestrator) Chip() *ChipInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.chip == nil {
		return nil
	}
	c := *o.chip
	return &c
}

func (o *Orchestrator) ResetState() {
	o.mu.Lock()
	o.progress = Progress{Status: StatusIdle}
	o.chip = nil
	o.mu.Unlock()
}

// AbortFlash cancels the running attempt. After it returns no progress
// callback of that attempt fires. Without a running attempt it does nothing.
func (o *Orchestrator) AbortFlash() {
	o.mu.Lock()
	tok := o.current
	o.mu.Unlock()
	if tok == nil {
		return
	}
	tok.aborted.Store(true)
	o.emitMu.Lock()
	o.emitMu.Unlock()
}

type attempt struct {
	o          *Orchestrator
	tok        *token
	onProgress func(Progress)
	last       Progress
}

func (a *attempt) aborted() bool { return a.tok.aborted.Load() }

func (a *attempt) emit(p Progress) {
	a.o.mu.Lock()
	a.o.progress = p
	a.o.mu.Unlock()
	a.last = p

	a.o.emitMu.Lock()
	defer a.o.emitMu.Unlock()
	if a.aborted() || a.onProgress == nil {
		return
	}
	a.onProgress(p)
}

func (a *attempt) fail(phase string, err error) Progress {
	if a.aborted() {
		return a.abortResult()
	}
	p := Progress{
		Status:  StatusError,
		Phase:   phase,
		Percent: a.last.Percent,
		Message: "Flash failed while " + phase,
		Error:   err.Error(),
	}
	a.o.log.Warn("flash failed", zap.String("phase", phase), zap.Error(err))
	a.emit(p)
	return p
}

func (a *attempt) abortResult() Progress {
	p := a.o.Progress()
	p.Aborted = true
	a.o.log.Info("flash aborted", zap.String("phase", p.Phase))
	return p
}

// StartFlash runs connect, download, write and reset against wire. The
// caller must have paused its own reader and is responsible for resuming it
// whatever the outcome. Failures are reported in the returned Progress.
func (o *Orchestrator) StartFlash(ctx context.Context, wire Wire, manifestURL string, onProgress func(Progress)) Progress {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return Progress{Status: StatusError, Phase: PhaseConnecting, Message: "Flash failed", Error: ErrBusy.Error()}
	}
	tok := &token{}
	o.current = tok
	o.progress = Progress{Status: StatusIdle}
	o.chip = nil
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
	}()

	a := &attempt{o: o, tok: tok, onProgress: onProgress}
	return a.run(ctx, wire, manifestURL)
}

func (a *attempt) run(ctx context.Context, wire Wire, manifestURL string) Progress {
	a.emit(Progress{Status: StatusConnecting, Phase: PhaseConnecting, Percent: 0, Message: "Connecting to bootloader"})

	loader := a.o.newLoader(wire)
	defer func() {
		if err := loader.Close(); err != nil {
			a.o.log.Debug("close loader", zap.Error(err))
		}
	}()

	info, err := loader.Connect(ctx)
	if err != nil {
		return a.fail(PhaseConnecting, err)
	}
	a.o.mu.Lock()
	a.o.chip = &info
	a.o.mu.Unlock()
	a.o.log.Info("bootloader connected", zap.String("chip", info.Family), zap.String("mac", info.MAC))
	if a.aborted() {
		return a.abortResult()
	}

	a.emit(Progress{Status: StatusFlashing, Phase: PhaseDownloading, Percent: 10, Message: "Connected to " + info.Family + ", downloading firmware"})
	base, manifest, err := fetchManifest(ctx, a.o.client, manifestURL)
	if err != nil {
		return a.fail(PhaseDownloading, err)
	}
	parts, err := manifest.PartsFor(info.Family)
	if err != nil {
		return a.fail(PhaseDownloading, err)
	}
	images, err := fetchParts(ctx, a.o.client, base, parts)
	if err != nil {
		return a.fail(PhaseDownloading, err)
	}
	if a.aborted() {
		return a.abortResult()
	}

	a.emit(Progress{Status: StatusFlashing, Phase: PhaseWriting, Percent: writeBase, Message: "Writing firmware"})
	lastPercent := writeBase
	for i, img := range images {
		if a.aborted() {
			return a.abortResult()
		}
		onPart := func(written, total int) {
			pct := overallPercent(i, len(images), written, total)
			if pct == lastPercent {
				return
			}
			lastPercent = pct
			a.emit(Progress{Status: StatusFlashing, Phase: PhaseWriting, Percent: pct, Message: "Writing " + img.part.Path})
		}
		if err := loader.WriteFlash(ctx, img.data, uint32(img.part.Offset), onPart); err != nil {
			return a.fail(PhaseWriting, err)
		}
	}
	if a.aborted() {
		return a.abortResult()
	}

	a.emit(Progress{Status: StatusResetting, Phase: PhaseResetting, Percent: 90, Message: "Resetting device"})
	if err := loader.Reset(ctx); err != nil {
		return a.fail(PhaseResetting, err)
	}
	if a.aborted() {
		return a.abortResult()
	}

	done := Progress{Status: StatusComplete, Phase: PhaseComplete, Percent: 100, Message: "Flash complete"}
	a.emit(done)
	return done
}

// overallPercent blends the part index and the progress within that part
// into one continuous write band.
func overallPercent(part, parts, written, total int) int {
	if parts <= 0 {
		return writeBase
	}
	partPct := 100.0
	if total > 0 {
		partPct = 100 * float64(written) / float64(total)
	}
	overall := (float64(part)*100 + partPct) / float64(parts)
	return writeBase + int(math.Round(writeSpan*overall/100))
}
