package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Codec turns envelopes into frames and back. JSON travels as text frames,
// CBOR as binary frames.
type Codec interface {
	Name() string
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(frame []byte) (Inbound, error)

	encodeData(v any) ([]byte, error)
	decodeData(raw []byte, v any) error
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecByName resolves the codec requested by a client. An empty name selects JSON.
func CodecByName(name string) (Codec, bool) {
	switch name {
	case "", "json":
		return JSON, true
	case "cbor":
		return CBOR, true
	default:
		return nil, false
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (c jsonCodec) Decode(frame []byte) (Inbound, error) {
	var wire struct {
		Type      string          `json:"type"`
		RequestID string          `json:"request_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if wire.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	in := Inbound{Type: wire.Type, RequestID: wire.RequestID, codec: c}
	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		in.raw = wire.Data
	}
	return in, nil
}

func (jsonCodec) encodeData(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) decodeData(raw []byte, v any) error { return json.Unmarshal(raw, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encoder: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decoder: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Encode(env Envelope) ([]byte, error) {
	return c.enc.Marshal(env)
}

func (c cborCodec) Decode(frame []byte) (Inbound, error) {
	var wire struct {
		Type      string          `cbor:"type"`
		RequestID string          `cbor:"request_id"`
		Data      cbor.RawMessage `cbor:"data"`
	}
	if err := c.dec.Unmarshal(frame, &wire); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if wire.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	in := Inbound{Type: wire.Type, RequestID: wire.RequestID, codec: c}
	if len(wire.Data) > 0 {
		in.raw = wire.Data
	}
	return in, nil
}

func (c cborCodec) encodeData(v any) ([]byte, error)    { return c.enc.Marshal(v) }
func (c cborCodec) decodeData(raw []byte, v any) error { return c.dec.Unmarshal(raw, v) }
