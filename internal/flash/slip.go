package flash

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

const (
	slipEnd    = 0xc0
	slipEsc    = 0xdb
	slipEscEnd = 0xdc
	slipEscEsc = 0xdd
)

var errFrameTimeout = errors.New("timed out waiting for bootloader response")

func slipEncode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, slipEnd)
	for _, b := range payload {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

func slipDecode(frame []byte) []byte {
	out := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); i++ {
		b := frame[i]
		if b == slipEsc && i+1 < len(frame) {
			i++
			switch frame[i] {
			case slipEscEnd:
				out = append(out, slipEnd)
			case slipEscEsc:
				out = append(out, slipEsc)
			default:
				out = append(out, frame[i])
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

// slipReader pulls frames off a port whose Read returns (0, nil) on timeout.
type slipReader struct {
	r       io.Reader
	pending []byte
	buf     []byte
}

func newSlipReader(r io.Reader) *slipReader {
	return &slipReader{r: r, buf: make([]byte, 1024)}
}

func (s *slipReader) next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if frame, ok := s.take(); ok {
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errFrameTimeout
		}
		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.buf[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *slipReader) take() ([]byte, bool) {
	for {
		start := bytes.IndexByte(s.pending, slipEnd)
		if start < 0 {
			s.pending = s.pending[:0]
			return nil, false
		}
		end := bytes.IndexByte(s.pending[start+1:], slipEnd)
		if end < 0 {
			s.pending = s.pending[start:]
			return nil, false
		}
		end += start + 1
		frame := slipDecode(s.pending[start+1 : end])
		s.pending = s.pending[end:]
		if len(frame) == 0 {
			// back-to-back delimiters; the closing END may open the next frame
			continue
		}
		s.pending = s.pending[1:]
		return frame, true
	}
}

// drain discards whatever the port has buffered.
func (s *slipReader) drain(d time.Duration) {
	s.pending = s.pending[:0]
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		n, err := s.r.Read(s.buf)
		if err != nil || n == 0 {
			return
		}
	}
}
