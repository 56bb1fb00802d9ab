// Package codec serialises envelopes to and from message payloads.
package codec

import (
	"errors"
	"fmt"

	"patchwire/message"
)

// ErrMalformedEnvelope is a protocol violation: the payload does not decode
// into a usable request or response.
var ErrMalformedEnvelope = errors.New("malformed envelope")

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. JSON is the only wire format.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}

// DecodeRequest decodes a request payload and checks it names an action.
func DecodeRequest(c Codec, payload []byte) (*message.Request, error) {
	var req message.Request
	if err := c.Decode(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("%w: request has no action", ErrMalformedEnvelope)
	}
	if req.Params == nil {
		req.Params = map[string]string{}
	}
	return &req, nil
}

// DecodeResponse decodes a response payload.
func DecodeResponse(c Codec, payload []byte) (*message.Response, error) {
	var resp message.Response
	if err := c.Decode(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if resp.Type == "" {
		resp.Type = message.TypeString
	}
	return &resp, nil
}
