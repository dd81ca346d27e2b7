package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSON is the default codec. It is a zero-size value; use it directly or via
// the registry name "json".
type JSON struct{}

var _ Codec = JSON{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode json")
	}
	return data, nil
}

func (JSON) Decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return errors.Wrap(err, "decode json")
	}
	return nil
}
