// Package protocol defines the wire frames, method names, and event shapes
// exchanged with the agent gateway over the WebSocket RPC boundary.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on breaking frame/method changes.
const ProtocolVersion = 1

// Frame type discriminators (the "type" field of every frame).
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client→gateway RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the gateway's reply to a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is a gateway→client push (not correlated to a request).
type EventFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorShape carries a structured RPC error.
type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (*RequestFrame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewEvent builds an event frame, marshaling the payload.
func NewEvent(name string, payload any) *EventFrame {
	raw, _ := json.Marshal(payload)
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: raw}
}

// ParseFrameType peeks at the "type" field of a raw frame without decoding the rest.
func ParseFrameType(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("parse frame type: %w", err)
	}
	return probe.Type, nil
}
