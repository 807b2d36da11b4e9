package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns envelopes into frame bodies and back. The tag byte travels in
// v2 frames so both ends agree without out-of-band negotiation.
type Codec interface {
	Name() string
	Tag() byte
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

const (
	codecTagJSON    byte = 0x01
	codecTagMsgpack byte = 0x02
)

// JSONCodec is the default and the only codec legacy frames can carry.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Tag() byte    { return codecTagJSON }

func (JSONCodec) Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Unmarshal(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

// MsgpackCodec is the compact v2 codec. Payload bytes stay JSON-encoded
// inside the msgpack wrapper, so lazy payload decoding works identically for
// both codecs.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }
func (MsgpackCodec) Tag() byte    { return codecTagMsgpack }

func (MsgpackCodec) Marshal(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (MsgpackCodec) Unmarshal(data []byte, env *Envelope) error {
	return msgpack.Unmarshal(data, env)
}

// CodecByName resolves a handshake-selected codec.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown codec %q", name)
	}
}

func codecByTag(tag byte) (Codec, error) {
	switch tag {
	case codecTagJSON:
		return JSONCodec{}, nil
	case codecTagMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown codec tag 0x%02x", tag)
	}
}
