package serialport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

// SystemDriver opens real devices through go.bug.st/serial.
type SystemDriver struct{}

func (SystemDriver) Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (SystemDriver) Open(name string, baud int) (Port, error) {
	p, err := serial.Open(name, mode(baud))
	if err != nil {
		return nil, mapOpenError(name, err)
	}
	return &systemPort{Port: p}, nil
}

func mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

type systemPort struct {
	serial.Port
}

func (p *systemPort) SetBaudRate(rate int) error {
	return p.SetMode(mode(rate))
}

func mapOpenError(name string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %s", ErrPermissionDenied, name)
		case serial.PortBusy:
			return fmt.Errorf("%w: %s", ErrPortBusy, name)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
}

// PromptSelector lists ports on out and reads a choice from in. A blank
// answer cancels.
func PromptSelector(in io.Reader, out io.Writer) Selector {
	scanner := bufio.NewScanner(in)
	return func(ports []string) (string, error) {
		for i, p := range ports {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, p)
		}
		fmt.Fprint(out, "select port: ")
		if !scanner.Scan() {
			return "", scanner.Err()
		}
		answer := strings.TrimSpace(scanner.Text())
		if answer == "" {
			return "", nil
		}
		if n, err := strconv.Atoi(answer); err == nil {
			if n < 1 || n > len(ports) {
				return "", fmt.Errorf("choice %d out of range", n)
			}
			return ports[n-1], nil
		}
		for _, p := range ports {
			if p == answer {
				return p, nil
			}
		}
		return "", fmt.Errorf("unknown port %q", answer)
	}
}
