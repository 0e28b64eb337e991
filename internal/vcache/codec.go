package vcache

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// snappyMarker prefixes compressed payloads. No JSON document starts with
// this byte, so plain and compressed entries can share a keyspace.
const snappyMarker byte = 0xff

type codec struct {
	compressAbove int
}

func (c codec) encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if c.compressAbove <= 0 || len(data) <= c.compressAbove {
		return data, nil
	}

	out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(data)))
	out[0] = snappyMarker
	return append(out, snappy.Encode(nil, data)...), nil
}

func (c codec) decode(data []byte, out interface{}) error {
	if len(data) > 0 && data[0] == snappyMarker {
		raw, err := snappy.Decode(nil, data[1:])
		if err != nil {
			return fmt.Errorf("snappy: %w", err)
		}
		data = raw
	}
	return json.Unmarshal(data, out)
}
