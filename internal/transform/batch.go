package transform

import (
	"encoding/json"

	"github.com/earn12345678/data-engineering-project/internal/record"
	"github.com/earn12345678/data-engineering-project/internal/topic"
)

// Skip is a message excluded as malformed. Raw is the decoded JSON payload
// when the body could be decoded, the body as received otherwise.
type Skip struct {
	Offset int64
	Key    string
	Reason string
	Raw    []byte
}

// Result is the outcome of transforming one micro-batch. Records keep the
// message order.
type Result struct {
	Records []record.CanonicalRecord
	Skips   []Skip
}

// Decoder extracts source fields from a log message.
type Decoder interface {
	Decode(msg topic.Message) (map[string]any, error)
}

// Batch decodes and transforms msgs. Undecodable bodies and failed
// validations become skips.
func (t *Transformer) Batch(msgs []topic.Message, dec Decoder) Result {
	res := Result{Records: make([]record.CanonicalRecord, 0, len(msgs))}

	for _, m := range msgs {
		fields, err := dec.Decode(m)
		if err != nil {
			res.Skips = append(res.Skips, Skip{Offset: m.Offset, Key: m.Key, Reason: err.Error(), Raw: m.Body})
			continue
		}
		rec, err := t.Apply(fields, m.Offset)
		if err != nil {
			raw, mErr := json.Marshal(fields)
			if mErr != nil {
				raw = m.Body
			}
			res.Skips = append(res.Skips, Skip{Offset: m.Offset, Key: m.Key, Reason: err.Error(), Raw: raw})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res
}
