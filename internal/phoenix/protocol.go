// Package phoenix encodes and decodes Phoenix channel frames as spoken by
// Supabase Realtime and by the relay in internal/realtime.
package phoenix

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventReply       = "phx_reply"
	EventError       = "phx_error"
	EventClose       = "phx_close"
	EventHeartbeat   = "heartbeat"
	EventBroadcast   = "broadcast"
	EventAccessToken = "access_token"

	TopicPhoenix = "phoenix"

	StatusOK    = "ok"
	StatusError = "error"

	Version = "1.0.0"
)

const (
	topicPrefix   = "realtime:"
	supportPrefix = "support:"
)

type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// ChannelName is the private channel a support session talks on.
func ChannelName(sessionID string) string {
	return supportPrefix + sessionID
}

// SupportTopic is the wire topic of a session's channel.
func SupportTopic(sessionID string) string {
	return topicPrefix + ChannelName(sessionID)
}

func ParseSupportTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, topicPrefix+supportPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

type BroadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type PresenceConfig struct {
	Key string `json:"key"`
}

type JoinConfig struct {
	Broadcast BroadcastConfig `json:"broadcast"`
	Presence  PresenceConfig  `json:"presence"`
	Private   bool            `json:"private"`
}

type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type AccessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

type BroadcastPayload struct {
	Type    string          `json:"type,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type ReasonResponse struct {
	Reason string `json:"reason"`
}

func NewMessage(topic, event string, payload any, ref, joinRef string) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, Event: event, Payload: data, Ref: ref, JoinRef: joinRef}, nil
}

// NewBroadcast wraps an application event into a broadcast frame.
func NewBroadcast(topic, event string, payload any, ref, joinRef string) (Message, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(topic, EventBroadcast, BroadcastPayload{Type: EventBroadcast, Event: event, Payload: inner}, ref, joinRef)
}

// NewReply answers req with the given status; reason is sent for errors.
func NewReply(req Message, status string, response any) (Message, error) {
	if response == nil {
		response = struct{}{}
	}
	resp, err := json.Marshal(response)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(req.Topic, EventReply, ReplyPayload{Status: status, Response: resp}, req.Ref, req.JoinRef)
}

func Encode(m Message) ([]byte, error) {
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("{}")
	}
	return json.Marshal(m)
}

// Decode accepts the v1 object frame and the v2 array frame
// [join_ref, ref, topic, event, payload].
func Decode(data []byte) (Message, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Message{}, errors.New("empty frame")
	}

	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			return Message{}, err
		}
		if len(arr) != 5 {
			return Message{}, errors.New("array frame must have 5 elements")
		}
		var m Message
		_ = json.Unmarshal(arr[0], &m.JoinRef)
		_ = json.Unmarshal(arr[1], &m.Ref)
		if err := json.Unmarshal(arr[2], &m.Topic); err != nil {
			return Message{}, errors.New("invalid topic")
		}
		if err := json.Unmarshal(arr[3], &m.Event); err != nil {
			return Message{}, errors.New("invalid event")
		}
		m.Payload = arr[4]
		return m, m.validate()
	}

	var m Message
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return Message{}, err
	}
	return m, m.validate()
}

func (m Message) validate() error {
	if m.Topic == "" {
		return errors.New("missing topic")
	}
	if m.Event == "" {
		return errors.New("missing event")
	}
	return nil
}

func (m Message) Reply() (ReplyPayload, error) {
	var r ReplyPayload
	if m.Event != EventReply {
		return r, errors.New("not a reply")
	}
	err := json.Unmarshal(m.Payload, &r)
	return r, err
}

// ReplyReason extracts response.reason from an error reply.
func (r ReplyPayload) ReplyReason() string {
	var reason ReasonResponse
	if len(r.Response) > 0 && json.Unmarshal(r.Response, &reason) == nil && reason.Reason != "" {
		return reason.Reason
	}
	return "join rejected"
}

func (m Message) Broadcast() (BroadcastPayload, error) {
	var b BroadcastPayload
	if m.Event != EventBroadcast {
		return b, errors.New("not a broadcast")
	}
	if err := json.Unmarshal(m.Payload, &b); err != nil {
		return b, err
	}
	if b.Event == "" {
		return b, errors.New("broadcast without event")
	}
	return b, nil
}
