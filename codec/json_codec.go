package codec

import (
	"bytes"
	"encoding/json"
	"errors"

	"stubrpc/message"
)

// JSONCodec carries every ephemeral payload, since it is the only codec that can encode
// arbitrary values. Control messages are decoded strictly: unknown fields and trailing
// data are rejected.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if _, ok := v.(*message.Message); !ok {
		return json.Unmarshal(data, v)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("JSONCodec: trailing data after control message")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
