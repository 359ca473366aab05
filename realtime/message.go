package realtime

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is the websocket subprotocol spoken by the realtime endpoint.
const Subprotocol = "graphql-ws"

type MessageType string

const (
	MessageConnectionInit MessageType = "connection_init"
	MessageStart          MessageType = "start"
	MessageStop           MessageType = "stop"
)

// Message is an outbound protocol frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Payload *MessagePayload `json:"payload,omitempty"`
	Type    MessageType     `json:"type"`
}

type MessagePayload struct {
	// Data is the JSON encoded {"query", "variables"} document.
	Data       string             `json:"data,omitempty"`
	Extensions *MessageExtensions `json:"extensions,omitempty"`
}

type MessageExtensions struct {
	Authorization map[string]string `json:"authorization,omitempty"`
}

// ConnectionInit builds the handshake frame sent right after the socket opens.
func ConnectionInit() Message {
	return Message{Type: MessageConnectionInit}
}

// Start builds a start frame for a subscription request.
func Start(id, query string, variables map[string]any) (Message, error) {
	doc := map[string]any{"query": query}
	if variables != nil {
		doc["variables"] = variables
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return Message{}, &JSONParseError{ID: id, Err: err}
	}
	return Message{
		ID:      id,
		Payload: &MessagePayload{Data: string(data)},
		Type:    MessageStart,
	}, nil
}

func Stop(id string) Message {
	return Message{ID: id, Type: MessageStop}
}

// Clone returns a deep copy so interceptors can mutate freely.
func (m Message) Clone() Message {
	if m.Payload == nil {
		return m
	}
	p := *m.Payload
	if p.Extensions != nil {
		ext := MessageExtensions{}
		if p.Extensions.Authorization != nil {
			ext.Authorization = make(map[string]string, len(p.Extensions.Authorization))
			for k, v := range p.Extensions.Authorization {
				ext.Authorization[k] = v
			}
		}
		p.Extensions = &ext
	}
	m.Payload = &p
	return m
}

// WithAuthorization returns a copy of m carrying the given authorization headers.
func (m Message) WithAuthorization(headers map[string]string) Message {
	out := m.Clone()
	if out.Payload == nil {
		out.Payload = &MessagePayload{}
	}
	out.Payload.Extensions = &MessageExtensions{Authorization: headers}
	return out
}

type ResponseType string

const (
	ResponseConnectionAck   ResponseType = "connection_ack"
	ResponseStartAck        ResponseType = "start_ack"
	ResponseComplete        ResponseType = "complete"
	ResponseKeepAlive       ResponseType = "ka"
	ResponseData            ResponseType = "data"
	ResponseError           ResponseType = "error"
	ResponseConnectionError ResponseType = "connection_error"
)

// Response is an inbound protocol frame.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Type    ResponseType    `json:"type"`
}

// DecodeResponse parses a raw text frame.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, err
	}
	switch r.Type {
	case ResponseConnectionAck, ResponseStartAck, ResponseComplete, ResponseKeepAlive,
		ResponseData, ResponseError, ResponseConnectionError:
		return r, nil
	default:
		return Response{}, fmt.Errorf("realtime: unknown response type %q", r.Type)
	}
}

// ConnectionTimeout returns the server's connectionTimeoutMs from a
// connection_ack payload.
func (r Response) ConnectionTimeout() (ms int64, ok bool) {
	if len(r.Payload) == 0 {
		return 0, false
	}
	var p struct {
		ConnectionTimeoutMs *float64 `json:"connectionTimeoutMs"`
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil || p.ConnectionTimeoutMs == nil {
		return 0, false
	}
	return int64(*p.ConnectionTimeoutMs), true
}

// PayloadMap decodes the payload as a JSON object. Non-object payloads yield nil.
func (r Response) PayloadMap() map[string]any {
	if len(r.Payload) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Payload, &m); err != nil {
		return nil
	}
	return m
}
