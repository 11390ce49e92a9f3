package flash

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zlib"
)

// ROM bootloader commands.
const (
	cmdFlashBegin     = 0x02
	cmdFlashEnd       = 0x04
	cmdSync           = 0x08
	cmdReadReg        = 0x0a
	cmdSPISetParams   = 0x0b
	cmdSPIAttach      = 0x0d
	cmdFlashDeflBegin = 0x10
	cmdFlashDeflData  = 0x11
)

const (
	flashWriteSize = 0x400
	checksumSeed   = 0xef

	resetHold = 100 * time.Millisecond
	bootHold  = 50 * time.Millisecond

	syncAttempts   = 7
	syncTimeout    = 100 * time.Millisecond
	commandTimeout = 3 * time.Second
	blockTimeout   = 10 * time.Second
	eraseTimePerMB = 30 * time.Second

	// SPI flash geometry handed to the ROM; 4 MB covers every module we ship.
	flashSize      = 4 * 1024 * 1024
	flashBlockSize = 64 * 1024
	flashSector    = 4096
	flashPage      = 256
)

var syncPayload = append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)

type espLoader struct {
	wire  Wire
	rd    *slipReader
	chip  chip
	sleep func(time.Duration)
}

// NewESPLoader talks to the ESP ROM bootloader over w.
func NewESPLoader(w Wire) Loader {
	return newESPLoader(w, time.Sleep)
}

func newESPLoader(w Wire, sleep func(time.Duration)) *espLoader {
	return &espLoader{wire: w, rd: newSlipReader(w), sleep: sleep}
}

func (l *espLoader) Connect(ctx context.Context) (ChipInfo, error) {
	if err := l.enterBootloader(); err != nil {
		return ChipInfo{}, fmt.Errorf("enter bootloader: %w", err)
	}
	l.rd.drain(bootHold)

	if err := l.sync(ctx); err != nil {
		return ChipInfo{}, err
	}

	magic, err := l.readReg(ctx, chipDetectMagicReg)
	if err != nil {
		return ChipInfo{}, fmt.Errorf("detect chip: %w", err)
	}
	c, err := chipForMagic(magic)
	if err != nil {
		return ChipInfo{}, err
	}
	l.chip = c

	info := ChipInfo{Family: c.family}
	if lo, err := l.readReg(ctx, c.macRegs[0]); err == nil {
		if hi, err := l.readReg(ctx, c.macRegs[1]); err == nil {
			info.MAC = formatMAC(lo, hi)
		}
	}

	if _, _, err := l.command(ctx, cmdSPIAttach, make([]byte, 8), 0, commandTimeout); err != nil {
		return info, fmt.Errorf("attach flash: %w", err)
	}
	params := le32s(0, flashSize, flashBlockSize, flashSector, flashPage, 0xffff)
	if _, _, err := l.command(ctx, cmdSPISetParams, params, 0, commandTimeout); err != nil {
		return info, fmt.Errorf("set flash params: %w", err)
	}
	return info, nil
}

// enterBootloader holds EN low with IO0 released, then releases EN while IO0
// is held low.
func (l *espLoader) enterBootloader() error {
	if err := l.signals(false, true); err != nil {
		return err
	}
	l.sleep(resetHold)
	if err := l.signals(true, false); err != nil {
		return err
	}
	l.sleep(bootHold)
	return l.wire.SetDTR(false)
}

func (l *espLoader) signals(dtr, rts bool) error {
	if err := l.wire.SetDTR(dtr); err != nil {
		return err
	}
	return l.wire.SetRTS(rts)
}

func (l *espLoader) sync(ctx context.Context) error {
	var last error
	for i := 0; i < syncAttempts; i++ {
		_, _, err := l.command(ctx, cmdSync, syncPayload, 0, syncTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errFrameTimeout) {
			return fmt.Errorf("sync: %w", err)
		}
		last = err
	}
	return fmt.Errorf("no response from bootloader: %w", last)
}

func (l *espLoader) readReg(ctx context.Context, addr uint32) (uint32, error) {
	value, _, err := l.command(ctx, cmdReadReg, le32s(addr), 0, commandTimeout)
	return value, err
}

func (l *espLoader) WriteFlash(ctx context.Context, image []byte, offset uint32, progress func(written, total int)) error {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return err
	}
	if _, err := zw.Write(image); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	compressed := buf.Bytes()

	blocks := (len(compressed) + flashWriteSize - 1) / flashWriteSize
	eraseSize := (len(image) + flashWriteSize - 1) / flashWriteSize * flashWriteSize
	params := l.beginParams(uint32(eraseSize), uint32(blocks), offset)

	eraseTimeout := time.Duration(float64(eraseTimePerMB) * float64(eraseSize) / (1024 * 1024))
	if eraseTimeout < commandTimeout {
		eraseTimeout = commandTimeout
	}
	if _, _, err := l.command(ctx, cmdFlashDeflBegin, params, 0, eraseTimeout); err != nil {
		return fmt.Errorf("begin write at 0x%x: %w", offset, err)
	}

	for seq := 0; seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := seq * flashWriteSize
		end := min(start+flashWriteSize, len(compressed))
		block := compressed[start:end]

		data := append(le32s(uint32(len(block)), uint32(seq), 0, 0), block...)
		if _, _, err := l.command(ctx, cmdFlashDeflData, data, checksum(block), blockTimeout); err != nil {
			return fmt.Errorf("write block %d/%d at 0x%x: %w", seq+1, blocks, offset, err)
		}
		if progress != nil {
			progress(end, len(compressed))
		}
	}
	return nil
}

func (l *espLoader) beginParams(size, blocks, offset uint32) []byte {
	params := le32s(size, blocks, flashWriteSize, offset)
	if l.chip.beginExtraWord {
		params = append(params, 0, 0, 0, 0)
	}
	return params
}

// Reset leaves the bootloader and runs the application. It falls back to an
// EN pulse when the ROM refuses the soft reset.
func (l *espLoader) Reset(ctx context.Context) error {
	if _, _, err := l.command(ctx, cmdFlashBegin, l.beginParams(0, 0, 0), 0, commandTimeout); err == nil {
		_, _, err := l.command(ctx, cmdFlashEnd, le32s(0), 0, 500*time.Millisecond)
		if err == nil || errors.Is(err, errFrameTimeout) {
			return nil
		}
	}
	if err := l.wire.SetRTS(true); err != nil {
		return fmt.Errorf("hard reset: %w", err)
	}
	l.sleep(resetHold)
	return l.wire.SetRTS(false)
}

func (l *espLoader) Close() error {
	return l.signals(false, false)
}

func (l *espLoader) command(ctx context.Context, op byte, data []byte, sum uint32, timeout time.Duration) (uint32, []byte, error) {
	pkt := make([]byte, 8+len(data))
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:], sum)
	copy(pkt[8:], data)

	frame := slipEncode(pkt)
	for len(frame) > 0 {
		n, err := l.wire.Write(frame)
		if err != nil {
			return 0, nil, fmt.Errorf("write command 0x%02x: %w", op, err)
		}
		frame = frame[n:]
	}

	for {
		resp, err := l.rd.next(ctx, timeout)
		if err != nil {
			return 0, nil, err
		}
		// stray replies, such as the extra answers to SYNC, are skipped
		if len(resp) < 8 || resp[0] != 1 || resp[1] != op {
			continue
		}
		value := binary.LittleEndian.Uint32(resp[4:])
		body := resp[8:]
		if len(body) >= 2 && body[0] != 0 {
			return value, body, fmt.Errorf("command 0x%02x failed: status %d error 0x%02x", op, body[0], body[1])
		}
		return value, body, nil
	}
}

func checksum(data []byte) uint32 {
	sum := byte(checksumSeed)
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

func le32s(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}
