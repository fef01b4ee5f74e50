package websocket

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeStateChange      MessageType = "state_change"
	TypeSyncComplete     MessageType = "sync_complete"
	TypeConflictDetected MessageType = "conflict_detected"
	TypeWrongPassphrase  MessageType = "wrong_passphrase"
	TypeNoteFailed       MessageType = "note_failed"
	TypeStatus           MessageType = "status"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
