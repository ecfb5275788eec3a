package cache

import (
	"fmt"

	json "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
)

// Codec serializes cached values as JSON and compresses large payloads with zstd.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec creates a codec. Payloads of at least threshold bytes are
// compressed; a threshold of zero or less disables compression.
func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, encoder: enc, decoder: dec}, nil
}

// Encode marshals v and returns the payload with its encoding tag.
func (c *Codec) Encode(v any) ([]byte, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal cache value: %w", err)
	}
	if c.threshold > 0 && len(data) >= c.threshold {
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), schemas.EncodingJSONZstd, nil
	}
	return data, schemas.EncodingJSON, nil
}

// Decode reverses Encode into v.
func (c *Codec) Decode(payload []byte, encoding string, v any) error {
	switch encoding {
	case schemas.EncodingJSON, "":
	case schemas.EncodingJSONZstd:
		raw, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress cache payload: %w", err)
		}
		payload = raw
	default:
		return fmt.Errorf("unknown cache payload encoding %q", encoding)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal cache payload: %w", err)
	}
	return nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
