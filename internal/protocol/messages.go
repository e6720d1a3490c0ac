// Package protocol defines the wire formats exchanged with the collector.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/xiaot623/testinsights/internal/trace"
)

// ContactRequest is the body of the registration handshake.
type ContactRequest struct {
	RunKey string `json:"run_key"`
}

// ContactResponse is returned by the collector after a successful handshake.
type ContactResponse struct {
	Cable   string `json:"cable"`
	Channel string `json:"channel"`
}

// ErrorResponse represents an error response from the collector.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AuthorizationHeader formats the access token for the Authorization header.
func AuthorizationHeader(token string) string {
	return fmt.Sprintf("Token token=%q", token)
}

// Frame types from collector to client
const (
	TypeWelcome             = "welcome"
	TypePing                = "ping"
	TypeConfirmSubscription = "confirm_subscription"
	TypeRejectSubscription  = "reject_subscription"
	TypeDisconnect          = "disconnect"
)

// Commands from client to collector
const (
	CommandSubscribe = "subscribe"
	CommandMessage   = "message"
)

// Actions carried in message data
const (
	ActionRecordResults     = "record_results"
	ActionEndOfTransmission = "end_of_transmission"
)

// ServerFrame is any frame sent by the collector over the socket.
type ServerFrame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

// ClientFrame is any frame sent by the client over the socket.
type ClientFrame struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// ChannelIdentifier is encoded as a JSON string inside every frame.
type ChannelIdentifier struct {
	Channel string `json:"channel"`
}

// Identifier returns the encoded identifier for a channel.
func Identifier(channel string) string {
	data, _ := json.Marshal(ChannelIdentifier{Channel: channel})
	return string(data)
}

// RecordResults is the data of a frame carrying traces.
type RecordResults struct {
	Action  string         `json:"action"`
	Results []*trace.Trace `json:"results"`
}

// EndOfTransmission is the data of the final frame of a session.
type EndOfTransmission struct {
	Action        string `json:"action"`
	ExamplesCount int64  `json:"examples_count"`
}

// ActionData is used to dispatch on the action of a message before decoding it fully.
type ActionData struct {
	Action string `json:"action"`
}

// SubscribeFrame builds the subscription request for a channel.
func SubscribeFrame(identifier string) ClientFrame {
	return ClientFrame{Command: CommandSubscribe, Identifier: identifier}
}

// MessageFrame wraps an action payload into a message frame.
func MessageFrame(identifier string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message data: %w", err)
	}
	frame, err := json.Marshal(ClientFrame{
		Command:    CommandMessage,
		Identifier: identifier,
		Data:       string(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message frame: %w", err)
	}
	return frame, nil
}

// BatchDocument is the body of the compressed batch artifact.
type BatchDocument struct {
	Results []*trace.Trace `json:"results"`
}
