package flash

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type writeCall struct {
	offset uint32
	size   int
}

type fakeLoader struct {
	mu         sync.Mutex
	info       ChipInfo
	connectErr error
	writes     []writeCall
	resets     int
	closed     bool
	onWrite    func(n int)
}

func (l *fakeLoader) Connect(context.Context) (ChipInfo, error) {
	return l.info, l.connectErr
}

func (l *fakeLoader) WriteFlash(_ context.Context, image []byte, offset uint32, progress func(int, int)) error {
	l.mu.Lock()
	l.writes = append(l.writes, writeCall{offset: offset, size: len(image)})
	n := len(l.writes)
	hook := l.onWrite
	l.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	for k := 1; k <= 4; k++ {
		progress(k*len(image)/4, len(image))
	}
	return nil
}

func (l *fakeLoader) Reset(context.Context) error {
	l.mu.Lock()
	l.resets++
	l.mu.Unlock()
	return nil
}

func (l *fakeLoader) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLoader) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func firmwareServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/fw/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name": "display",
			"builds": []map[string]any{
				{"chipFamily": "ESP32", "parts": []map[string]any{{"path": "esp32.bin", "offset": 0}}},
				{"chipFamily": "ESP32-S3", "parts": []map[string]any{
					{"path": "bootloader.bin", "offset": "0x0"},
					{"path": "/fw/app.bin", "offset": 65536},
				}},
			},
		})
	})
	mux.HandleFunc("/broken/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"parts":[{"path":"bootloader.bin","offset":0},{"path":"missing.bin","offset":"0x10000"}]}`))
	})
	mux.HandleFunc("/fw/bootloader.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 300))
	})
	mux.HandleFunc("/broken/bootloader.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 300))
	})
	mux.HandleFunc("/fw/app.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4000))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(srv *httptest.Server, l *fakeLoader) *Orchestrator {
	return NewOrchestrator(Options{
		HTTPClient: srv.Client(),
		NewLoader:  func(Wire) Loader { return l },
	})
}

type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (p *progressLog) record(pr Progress) {
	p.mu.Lock()
	p.events = append(p.events, pr)
	p.mu.Unlock()
}

func (p *progressLog) all() []Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Progress(nil), p.events...)
}

func TestStartFlash_Success(t *testing.T) {
	srv := firmwareServer(t)
	l := &fakeLoader{info: ChipInfo{Family: "ESP32-S3", MAC: "aa:bb:cc:dd:ee:ff"}}
	o := newTestOrchestrator(srv, l)
	log := &progressLog{}

	final := o.StartFlash(context.Background(), nil, srv.URL+"/fw/manifest.json", log.record)
	if final.Status != StatusComplete || final.Percent != 100 {
		t.Fatalf("expected complete, got %+v", final)
	}

	events := log.all()
	prev := -1
	for i, e := range events {
		if e.Percent < prev {
			t.Fatalf("progress went backwards at %d: %+v", i, events)
		}
		prev = e.Percent
		if e.Phase == PhaseWriting && (e.Percent < writeBase || e.Percent > writeBase+writeSpan) {
			t.Fatalf("write progress outside band: %+v", e)
		}
		if e.Percent == 100 && i != len(events)-1 {
			t.Fatalf("100%% reported before completion")
		}
	}
	if events[len(events)-1].Status != StatusComplete {
		t.Fatalf("expected last event complete, got %+v", events[len(events)-1])
	}

	if len(l.writes) != 2 || l.writes[0] != (writeCall{0, 300}) || l.writes[1] != (writeCall{0x10000, 4000}) {
		t.Fatalf("unexpected writes %+v", l.writes)
	}
	if l.resets != 1 || !l.closed {
		t.Fatalf("expected reset and close, got resets=%d closed=%v", l.resets, l.closed)
	}
	if chip := o.Chip(); chip == nil || chip.Family != "ESP32-S3" {
		t.Fatalf("expected chip recorded, got %+v", chip)
	}

	o.ResetState()
	if o.Progress().Status != StatusIdle || o.Chip() != nil {
		t.Fatalf("expected reset state")
	}
}

func TestStartFlash_MissingPartWritesNothing(t *testing.T) {
	srv := firmwareServer(t)
	l := &fakeLoader{info: ChipInfo{Family: "ESP32"}}
	o := newTestOrchestrator(srv, l)

	final := o.StartFlash(context.Background(), nil, srv.URL+"/broken/manifest.json", nil)
	if final.Status != StatusError || final.Phase != PhaseDownloading {
		t.Fatalf("expected download error, got %+v", final)
	}
	if final.Error == "" {
		t.Fatalf("expected error message")
	}
	if l.writeCount() != 0 {
		t.Fatalf("expected no writes, got %d", l.writeCount())
	}
	if !l.closed {
		t.Fatalf("expected loader closed")
	}
}

func TestStartFlash_ConnectFailure(t *testing.T) {
	srv := firmwareServer(t)
	l := &fakeLoader{connectErr: errors.New("no response from bootloader")}
	o := newTestOrchestrator(srv, l)

	final := o.StartFlash(context.Background(), nil, srv.URL+"/fw/manifest.json", nil)
	if final.Status != StatusError || final.Phase != PhaseConnecting {
		t.Fatalf("expected connect error, got %+v", final)
	}
	if o.Progress().Status != StatusError {
		t.Fatalf("expected stored error status")
	}
}

func TestAbortFlash_StopsProgress(t *testing.T) {
	srv := firmwareServer(t)
	l := &fakeLoader{info: ChipInfo{Family: "ESP32-S3"}}
	o := newTestOrchestrator(srv, l)
	log := &progressLog{}

	var seenAtAbort int
	l.onWrite = func(n int) {
		if n == 1 {
			o.AbortFlash()
			o.AbortFlash()
			seenAtAbort = len(log.all())
		}
	}

	final := o.StartFlash(context.Background(), nil, srv.URL+"/fw/manifest.json", log.record)
	if !final.Aborted {
		t.Fatalf("expected aborted result, got %+v", final)
	}
	if got := len(log.all()); got != seenAtAbort {
		t.Fatalf("expected no progress after abort, got %d more", got-seenAtAbort)
	}
	if l.writeCount() != 1 || l.resets != 0 {
		t.Fatalf("expected to stop after first part, writes=%d resets=%d", l.writeCount(), l.resets)
	}

	o.AbortFlash()
}

func TestOverallPercent(t *testing.T) {
	cases := []struct {
		part, parts, written, total int
		want                        int
	}{
		{0, 1, 0, 100, 20},
		{0, 1, 50, 100, 53},
		{0, 1, 100, 100, 85},
		{0, 2, 100, 100, 53},
		{1, 2, 0, 100, 53},
		{1, 2, 100, 100, 85},
		{0, 3, 0, 0, 42},
	}
	for _, c := range cases {
		if got := overallPercent(c.part, c.parts, c.written, c.total); got != c.want {
			t.Fatalf("overallPercent(%d,%d,%d,%d) = %d, want %d", c.part, c.parts, c.written, c.total, got, c.want)
		}
	}
}
