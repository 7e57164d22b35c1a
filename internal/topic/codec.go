package topic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/earn12345678/data-engineering-project/internal/record"
)

// EncodingZstd marks a zstd-compressed body.
const EncodingZstd = "zstd"

// Codec turns raw records into message bodies and back. Bodies are the JSON
// object of the source fields, optionally zstd compressed.
type Codec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewCodec creates a codec. compression is "none" or "zstd"; any codec can
// decode both forms.
func NewCodec(compression string) (*Codec, error) {
	c := &Codec{}
	switch compression {
	case "", "none":
	case EncodingZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.compress = true
		c.encoder = enc
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.decoder = dec
	return c, nil
}

// Encode builds the message for raw. runID tags the ingest cycle.
func (c *Codec) Encode(raw record.RawRecord, runID string) (Message, error) {
	body, err := raw.MarshalFields()
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal record %s: %w", raw.ID, err)
	}

	msg := Message{
		Key:  raw.Position().String(),
		Body: body,
		Headers: map[string]string{
			HeaderPositionID: raw.ID,
			HeaderRunID:      runID,
		},
	}
	if !raw.Timestamp.IsZero() {
		msg.Headers[HeaderPositionTS] = raw.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if c.compress {
		msg.Body = c.encoder.EncodeAll(body, nil)
		msg.Encoding = EncodingZstd
	}
	return msg, nil
}

// Decode returns the source fields carried by msg. Numbers are kept as
// json.Number so identifiers survive without float rounding.
func (c *Codec) Decode(msg Message) (map[string]any, error) {
	body := msg.Body
	switch msg.Encoding {
	case "":
	case EncodingZstd:
		plain, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress body: %w", err)
		}
		body = plain
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", msg.Encoding)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("invalid message body: not a JSON object")
	}
	return fields, nil
}

// Close releases the codec's encoder and decoder.
func (c *Codec) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	c.decoder.Close()
}
