// Package message defines the envelopes exchanged between client and server.
//
// A Request names an action and carries its parameters; a Response carries the
// outcome. Both travel as JSON inside a protocol message. FILE values (request
// parameters and file responses) are base64 encoded so arbitrary bytes survive
// the JSON layer.
package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ParamType is the declared type of an action parameter or response.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeFile   ParamType = "file"
)

// Valid reports whether t is one of the known types.
func (t ParamType) Valid() bool {
	return t == TypeString || t == TypeFile
}

// Request is sent by the client for every call.
type Request struct {
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	ClientVersion   string            `json:"client_version"`
	Action          string            `json:"action"`
	Params          map[string]string `json:"params"`
}

// Response is sent by the server for every request it answers.
//
// Message holds raw JSON: a string for TypeString, a base64 string for
// TypeFile, and arbitrary JSON for structured results such as get_actions.
type Response struct {
	Success         bool            `json:"success"`
	Message         json.RawMessage `json:"message"`
	Type            ParamType       `json:"type,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	ServerVersion   string          `json:"server_version,omitempty"`
	WorkerVersion   string          `json:"worker_version,omitempty"`
}

// Versions is the metadata the server stamps onto outgoing responses.
type Versions struct {
	Protocol string
	Server   string
	Worker   string
}

// Decorate fills the version fields the handler left unset. Fields a handler
// set explicitly are kept.
func (r *Response) Decorate(v Versions) {
	if r.ProtocolVersion == "" {
		r.ProtocolVersion = v.Protocol
	}
	if r.ServerVersion == "" {
		r.ServerVersion = v.Server
	}
	if r.WorkerVersion == "" {
		r.WorkerVersion = v.Worker
	}
}

// Text builds a string response.
func Text(success bool, text string) *Response {
	b, _ := json.Marshal(text) // marshalling a string cannot fail
	return &Response{Success: success, Message: b, Type: TypeString}
}

// Textf builds a string response from a format.
func Textf(success bool, format string, args ...any) *Response {
	return Text(success, fmt.Sprintf(format, args...))
}

// Failure builds a failed string response.
func Failure(format string, args ...any) *Response {
	return Textf(false, format, args...)
}

// File builds a successful file response.
func File(data []byte) *Response {
	b, _ := json.Marshal(base64.StdEncoding.EncodeToString(data))
	return &Response{Success: true, Message: b, Type: TypeFile}
}

// JSON builds a successful response whose message is v encoded as JSON.
func JSON(v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response message: %w", err)
	}
	return &Response{Success: true, Message: b, Type: TypeString}, nil
}

// Text returns the message as a string. Structured messages are returned as
// their JSON text.
func (r *Response) Text() string {
	var s string
	if err := json.Unmarshal(r.Message, &s); err == nil {
		return s
	}
	return string(r.Message)
}

// File decodes a file message.
func (r *Response) File() ([]byte, error) {
	var s string
	if err := json.Unmarshal(r.Message, &s); err != nil {
		return nil, fmt.Errorf("file message is not a string: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding file message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a structured message into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Message, v)
}

// EncodeFile encodes raw bytes as a FILE parameter value.
func EncodeFile(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeFile decodes a FILE parameter value.
func DecodeFile(value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding file parameter: %w", err)
	}
	return data, nil
}

// ParamInfo is the wire form of a declared parameter.
type ParamInfo struct {
	Name string    `json:"name"`
	Type ParamType `json:"type"`
}

// ActionInfo is the wire form of an action descriptor, as listed by get_actions.
type ActionInfo struct {
	Name         string      `json:"name"`
	Params       []ParamInfo `json:"params"`
	ResponseType ParamType   `json:"response_type"`
}
