package model

import "time"

type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusActive  SessionStatus = "active"
	StatusClosed  SessionStatus = "closed"
)

const (
	CloseReasonStale         = "stale_cleanup"
	CloseReasonUserEnded     = "user_ended"
	CloseReasonAdminEnded    = "admin_ended"
	CloseReasonSerialLost    = "serial_disconnected"
	CloseReasonChannelFailed = "channel_failed"
	StaleAfter               = 24 * time.Hour
)

// allowedTransitions lists every edge of the session state machine.
// active -> waiting only happens through a revert when the admin leaves.
var allowedTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	StatusWaiting: {
		StatusActive: {},
		StatusClosed: {},
	},
	StatusActive: {
		StatusWaiting: {},
		StatusClosed:  {},
	},
	StatusClosed: {},
}

func CanTransition(from, to SessionStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (s SessionStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s SessionStatus) Open() bool {
	return s == StatusWaiting || s == StatusActive
}

type DeviceInfo struct {
	SerialNumber    string `json:"serial_number,omitempty"`
	ChipFamily      string `json:"chip_family,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	MAC             string `json:"mac,omitempty"`
}

// Merge returns d with every non-empty field of other applied on top.
func (d DeviceInfo) Merge(other DeviceInfo) DeviceInfo {
	if other.SerialNumber != "" {
		d.SerialNumber = other.SerialNumber
	}
	if other.ChipFamily != "" {
		d.ChipFamily = other.ChipFamily
	}
	if other.FirmwareVersion != "" {
		d.FirmwareVersion = other.FirmwareVersion
	}
	if other.MAC != "" {
		d.MAC = other.MAC
	}
	return d
}

type SupportSession struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	AdminID     string        `json:"admin_id,omitempty"`
	Status      SessionStatus `json:"status"`
	Device      DeviceInfo    `json:"device"`
	CreatedAt   time.Time     `json:"created_at"`
	JoinedAt    *time.Time    `json:"joined_at,omitempty"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
	CloseReason string        `json:"close_reason,omitempty"`
}

func (s SupportSession) Stale(now time.Time) bool {
	return s.Status.Open() && now.Sub(s.CreatedAt) > StaleAfter
}
