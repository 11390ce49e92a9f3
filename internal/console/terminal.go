package console

import (
	"time"

	"github.com/charmbracelet/lipgloss"
)

type Source string

const (
	SourceDevice Source = "device"
	SourceAdmin  Source = "admin"
	SourceSystem Source = "system"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

// Line is one entry of the terminal buffer.
type Line struct {
	Text      string
	Source    Source
	Level     Level
	Timestamp time.Time
}

const DefaultMaxLines = 1000

// Buffer keeps the newest lines, dropping the oldest past its cap.
type Buffer struct {
	max   int
	lines []Line
}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultMaxLines
	}
	return &Buffer{max: limit}
}

func (b *Buffer) Append(l Line) {
	if len(b.lines) == b.max {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:b.max-1]
	}
	b.lines = append(b.lines, l)
}

func (b *Buffer) Lines() []Line {
	return append([]Line(nil), b.lines...)
}

func (b *Buffer) Len() int { return len(b.lines) }

func (b *Buffer) Clear() { b.lines = b.lines[:0] }

const DefaultHistorySize = 100

// History is the command recall list. Consecutive repeats are stored once.
type History struct {
	max     int
	entries []string
	pos     int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{max: limit}
}

func (h *History) Push(cmd string) {
	if cmd == "" {
		return
	}
	if n := len(h.entries); n == 0 || h.entries[n-1] != cmd {
		h.entries = append(h.entries, cmd)
		if len(h.entries) > h.max {
			h.entries = h.entries[len(h.entries)-h.max:]
		}
	}
	h.pos = len(h.entries)
}

// Prev steps back through history and reports false once there is nothing
// older.
func (h *History) Prev() (string, bool) {
	if h.pos == 0 {
		return "", false
	}
	h.pos--
	return h.entries[h.pos], true
}

// Next steps forward; stepping past the newest entry returns an empty
// command line.
func (h *History) Next() (string, bool) {
	if h.pos >= len(h.entries) {
		return "", false
	}
	h.pos++
	if h.pos == len(h.entries) {
		return "", true
	}
	return h.entries[h.pos], true
}

func (h *History) Entries() []string {
	return append([]string(nil), h.entries...)
}

type Health string

const (
	HealthUnknown      Health = "unknown"
	HealthHealthy      Health = "healthy"
	HealthDegraded     Health = "degraded"
	HealthDisconnected Health = "disconnected"
)

const (
	DegradedAfter     = 10 * time.Second
	DisconnectedAfter = 15 * time.Second
	HealthPoll        = 3 * time.Second
)

// ClassifyHealth maps the age of the last heartbeat to a bridge health.
// A zero last means no heartbeat has been seen.
func ClassifyHealth(last, now time.Time) Health {
	if last.IsZero() {
		return HealthUnknown
	}
	switch age := now.Sub(last); {
	case age < DegradedAfter:
		return HealthHealthy
	case age < DisconnectedAfter:
		return HealthDegraded
	default:
		return HealthDisconnected
	}
}

// Styles renders lines for a terminal.
type Styles struct {
	Time    lipgloss.Style
	Device  lipgloss.Style
	Admin   lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Time:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Device:  lipgloss.NewStyle(),
		Admin:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// PlainStyles renders without colour, for pipes and log files.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Time: plain, Device: plain, Admin: plain, Info: plain, Success: plain, Warn: plain, Error: plain}
}

func (s Styles) Render(l Line) string {
	ts := s.Time.Render(l.Timestamp.Format("15:04:05"))
	var body string
	switch l.Source {
	case SourceDevice:
		body = s.Device.Render(l.Text)
	case SourceAdmin:
		body = s.Admin.Render("> " + l.Text)
	default:
		body = s.level(l.Level).Render("* " + l.Text)
	}
	return ts + " " + body
}

func (s Styles) level(l Level) lipgloss.Style {
	switch l {
	case LevelSuccess:
		return s.Success
	case LevelWarn:
		return s.Warn
	case LevelError:
		return s.Error
	default:
		return s.Info
	}
}

// HealthStyle colours a health badge.
func (s Styles) HealthStyle(h Health) lipgloss.Style {
	switch h {
	case HealthHealthy:
		return s.Success
	case HealthDegraded:
		return s.Warn
	case HealthDisconnected:
		return s.Error
	default:
		return s.Time
	}
}
