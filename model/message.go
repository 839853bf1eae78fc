package model

import (
	"encoding/json"
	"strings"
)

// Event names carried in Envelope.Event.
const (
	EventLogin = "login"
	EventPing  = "ping"
	EventError = "error"
)

// DefaultPingType is used when a sender does not tag its ping.
const DefaultPingType = "ping"

// Envelope is the frame exchanged over the live websocket channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Login binds the sending session to a user.
type Login struct {
	UserID      string `json:"userId"`
	DeviceToken string `json:"deviceToken,omitempty"`
	// PlayerID is accepted for older clients that still send their OneSignal player id under this name.
	PlayerID    string `json:"playerId,omitempty"`
}

// Token returns the device token, falling back to PlayerID.
func (l Login) Token() string {
	if t := strings.TrimSpace(l.DeviceToken); t != "" {
		return t
	}
	return strings.TrimSpace(l.PlayerID)
}

// Ping is a message a correspondent sends the other one.
type Ping struct {
	ID      string `json:"id,omitempty"`
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Delivery is what the recipient's live session receives.
type Delivery struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a problem with a frame the client sent.
type ErrorFrame struct {
	Message string `json:"message"`
}

// StoredPing is a ping record in the durable fallback store.
type StoredPing struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Delivered bool   `json:"delivered"`
}

// NewEnvelope marshals v into a frame for event.
func NewEnvelope(event string, v any) (Envelope, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: buf}, nil
}

// PingType returns t or DefaultPingType when t is blank.
func PingType(t string) string {
	if strings.TrimSpace(t) == "" {
		return DefaultPingType
	}
	return t
}
