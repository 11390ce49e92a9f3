// Package protocol defines the events exchanged on a support channel and
// their payloads.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"support-bridge/internal/model"
)

const (
	EventSerialOutput  = "serial_output"
	EventSerialInput   = "serial_input"
	EventDeviceInfo    = "device_info"
	EventHeartbeat     = "heartbeat"
	EventAction        = "action"
	EventActionResult  = "action_result"
	EventFlashProgress = "flash_progress"
	EventSessionEnd    = "session_end"
	EventShimHello     = "shim_hello"
	EventSignal        = "signal"
	EventSetBaud       = "set_baud"
	EventBaudAck       = "baud_ack"
	EventSessionStatus = "session_status"
)

// MaxBroadcastSize bounds one broadcast; binary relays are split below it.
const MaxBroadcastSize = 200 * 1024

// SerialData carries either a decoded text line or a base64 binary chunk.
type SerialData struct {
	Text   string `json:"text,omitempty"`
	Data   string `json:"data,omitempty"`
	Binary bool   `json:"binary,omitempty"`
	Chunk  *int   `json:"chunk,omitempty"`
}

func TextData(text string) SerialData {
	return SerialData{Text: text}
}

func BinaryData(b []byte) SerialData {
	return SerialData{Data: base64.StdEncoding.EncodeToString(b), Binary: true}
}

func (d SerialData) IsBinary() bool {
	return d.Binary || (d.Text == "" && d.Data != "")
}

// Bytes returns the raw bytes of a binary payload or the UTF-8 bytes of text.
func (d SerialData) Bytes() ([]byte, error) {
	if d.IsBinary() {
		return base64.StdEncoding.DecodeString(d.Data)
	}
	return []byte(d.Text), nil
}

// SplitBinary chunks b so every encoded payload stays under MaxBroadcastSize.
func SplitBinary(b []byte) []SerialData {
	const raw = MaxBroadcastSize / 2
	if len(b) <= raw {
		return []SerialData{BinaryData(b)}
	}
	var out []SerialData
	for i := 0; i*raw < len(b); i++ {
		end := (i + 1) * raw
		if end > len(b) {
			end = len(b)
		}
		d := BinaryData(b[i*raw : end])
		idx := i
		d.Chunk = &idx
		out = append(out, d)
	}
	return out
}

type DeviceInfo struct {
	Chip     string `json:"chip"`
	Serial   string `json:"serial,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	MAC      string `json:"mac,omitempty"`
}

func (d DeviceInfo) Model() model.DeviceInfo {
	return model.DeviceInfo{
		SerialNumber:    d.Serial,
		ChipFamily:      d.Chip,
		FirmwareVersion: d.Firmware,
		MAC:             d.MAC,
	}
}

type Heartbeat struct {
	Connected bool  `json:"connected"`
	TS        int64 `json:"ts"`
}

func NewHeartbeat(connected bool, now time.Time) Heartbeat {
	return Heartbeat{Connected: connected, TS: now.UnixMilli()}
}

func (h Heartbeat) Time() time.Time {
	return time.UnixMilli(h.TS)
}

type ActionType string

const (
	ActionReset      ActionType = "reset"
	ActionBootloader ActionType = "bootloader"
	ActionFlash      ActionType = "flash"
	ActionFlashAbort ActionType = "flash_abort"
)

type Action struct {
	Type        ActionType `json:"type"`
	ManifestURL string     `json:"manifestUrl,omitempty"`
}

var ErrMissingManifest = errors.New("flash action requires manifestUrl")

func (a Action) Validate() error {
	switch a.Type {
	case ActionReset, ActionBootloader, ActionFlashAbort:
		return nil
	case ActionFlash:
		if a.ManifestURL == "" {
			return ErrMissingManifest
		}
		return nil
	}
	return errors.New("unknown action " + string(a.Type))
}

type ActionResult struct {
	Action  ActionType `json:"action"`
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
}

type FlashProgress struct {
	Status  string `json:"status"`
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type SessionEnd struct {
	Reason string `json:"reason"`
}

type ShimHello struct {
	Type string `json:"type"`
}

// Signal leaves a line untouched when its field is nil.
type Signal struct {
	DTR *bool `json:"dtr,omitempty"`
	RTS *bool `json:"rts,omitempty"`
}

type SetBaud struct {
	Rate int `json:"rate"`
}

type BaudAck struct {
	Rate int `json:"rate"`
}

type SessionStatus struct {
	Status  model.SessionStatus `json:"status"`
	AdminID string              `json:"admin_id,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// Decode unmarshals raw into a value of type T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("empty payload")
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
