package flash

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
)

// fakeROM answers bootloader commands the way the ESP ROM does.
type fakeROM struct {
	mu         sync.Mutex
	in         []byte
	out        bytes.Buffer
	magic      uint32
	regs       map[uint32]uint32
	ops        []byte
	begin      []byte
	compressed []byte
	badSums    int
	dtr        []bool
	rts        []bool
}

func newFakeROM(magic uint32) *fakeROM {
	return &fakeROM{magic: magic, regs: map[uint32]uint32{}}
}

func (r *fakeROM) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in = append(r.in, b...)
	for {
		start := bytes.IndexByte(r.in, slipEnd)
		if start < 0 {
			break
		}
		end := bytes.IndexByte(r.in[start+1:], slipEnd)
		if end < 0 {
			break
		}
		end += start + 1
		pkt := slipDecode(r.in[start+1 : end])
		r.in = r.in[end+1:]
		if len(pkt) >= 8 {
			r.handle(pkt)
		}
	}
	return len(b), nil
}

func (r *fakeROM) handle(pkt []byte) {
	op := pkt[1]
	sum := binary.LittleEndian.Uint32(pkt[4:])
	data := pkt[8:]
	r.ops = append(r.ops, op)

	var value uint32
	status := byte(0)
	switch op {
	case cmdReadReg:
		addr := binary.LittleEndian.Uint32(data)
		if addr == chipDetectMagicReg {
			value = r.magic
		} else {
			value = r.regs[addr]
		}
	case cmdFlashDeflBegin:
		r.begin = append([]byte(nil), data...)
	case cmdFlashDeflData:
		block := data[16:]
		if checksum(block) != sum {
			r.badSums++
			status = 1
		}
		r.compressed = append(r.compressed, block...)
	}

	reply := make([]byte, 12)
	reply[0] = 1
	reply[1] = op
	binary.LittleEndian.PutUint16(reply[2:], 4)
	binary.LittleEndian.PutUint32(reply[4:], value)
	reply[8] = status
	r.out.Write(slipEncode(reply))
	if op == cmdSync {
		r.out.Write(slipEncode(reply))
	}
}

func (r *fakeROM) Read(b []byte) (int, error) {
	r.mu.Lock()
	if r.out.Len() == 0 {
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer r.mu.Unlock()
	return r.out.Read(b)
}

func (r *fakeROM) SetDTR(v bool) error {
	r.mu.Lock()
	r.dtr = append(r.dtr, v)
	r.mu.Unlock()
	return nil
}

func (r *fakeROM) SetRTS(v bool) error {
	r.mu.Lock()
	r.rts = append(r.rts, v)
	r.mu.Unlock()
	return nil
}

func (r *fakeROM) sawOp(op byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.IndexByte(r.ops, op) >= 0
}

func TestSlipRoundTrip(t *testing.T) {
	payload := []byte{0x01, slipEnd, 0x02, slipEsc, 0x03}
	frame := slipEncode(payload)
	if bytes.Count(frame, []byte{slipEnd}) != 2 {
		t.Fatalf("expected only delimiters to be raw END bytes, got %x", frame)
	}
	rd := newSlipReader(bytes.NewReader(append([]byte{slipEnd}, frame...)))
	got, err := rd.next(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %x, got %x", payload, got)
	}
}

func TestESPLoader_ConnectWriteReset(t *testing.T) {
	rom := newFakeROM(0x00000009)
	rom.regs[0x60007044] = 0x33445566
	rom.regs[0x60007048] = 0x00001122

	var slept []time.Duration
	l := newESPLoader(rom, func(d time.Duration) { slept = append(slept, d) })

	info, err := l.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.Family != "ESP32-S3" || info.MAC != "11:22:33:44:55:66" {
		t.Fatalf("unexpected chip info %+v", info)
	}
	if len(slept) != 2 || slept[0] != resetHold || slept[1] != bootHold {
		t.Fatalf("unexpected bootloader timing %v", slept)
	}
	if len(rom.dtr) < 3 || rom.dtr[0] || !rom.dtr[1] || rom.dtr[2] {
		t.Fatalf("unexpected DTR sequence %v", rom.dtr)
	}
	if !rom.sawOp(cmdSPIAttach) || !rom.sawOp(cmdSPISetParams) {
		t.Fatalf("expected flash attach and params, got ops %x", rom.ops)
	}

	img := []byte(strings.Repeat("firmware-image-", 400))
	var lastWritten, lastTotal int
	if err := l.WriteFlash(context.Background(), img, 0x10000, func(w, total int) {
		if w < lastWritten {
			t.Fatalf("progress went backwards")
		}
		lastWritten, lastTotal = w, total
	}); err != nil {
		t.Fatalf("WriteFlash: %v", err)
	}
	if lastWritten != lastTotal || lastTotal == 0 {
		t.Fatalf("expected progress to finish, got %d/%d", lastWritten, lastTotal)
	}
	if rom.badSums != 0 {
		t.Fatalf("expected valid checksums, got %d bad", rom.badSums)
	}
	if len(rom.begin) != 20 || binary.LittleEndian.Uint32(rom.begin[12:]) != 0x10000 {
		t.Fatalf("unexpected begin params %x", rom.begin)
	}

	zr, err := zlib.NewReader(bytes.NewReader(rom.compressed))
	if err != nil {
		t.Fatalf("zlib: %v", err)
	}
	written, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(written, img) {
		t.Fatalf("device image differs from source")
	}

	if err := l.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !rom.sawOp(cmdFlashBegin) || !rom.sawOp(cmdFlashEnd) {
		t.Fatalf("expected soft reset commands, got ops %x", rom.ops)
	}
}

func TestESPLoader_UnknownChip(t *testing.T) {
	l := newESPLoader(newFakeROM(0xdeadbeef), func(time.Duration) {})
	if _, err := l.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "unsupported chip") {
		t.Fatalf("expected unsupported chip error, got %v", err)
	}
}

func TestESPLoader_NoBootloader(t *testing.T) {
	silent := &silentWire{}
	l := newESPLoader(silent, func(time.Duration) {})
	if _, err := l.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "no response") {
		t.Fatalf("expected sync failure, got %v", err)
	}
}

type silentWire struct{}

func (silentWire) Read([]byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}
func (silentWire) Write(b []byte) (int, error) { return len(b), nil }
func (silentWire) SetDTR(bool) error           { return nil }
func (silentWire) SetRTS(bool) error           { return nil }
