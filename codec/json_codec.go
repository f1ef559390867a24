package codec

import (
	"github.com/goccy/go-json"
)

// JSONCodec encodes the whole envelope as JSON. Human-readable and easy to
// debug; Payload appears base64-encoded.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
