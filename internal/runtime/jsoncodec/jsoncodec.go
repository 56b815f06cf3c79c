package jsoncodec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// ToMap normalises v into a map of JSON primitives. Structs go through their
// json tags; numbers come back as float64. Values that do not encode to a JSON
// object are rejected.
func ToMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("value of type %T is not a JSON object: %w", v, err)
	}
	return out, nil
}

// FromMap decodes a primitive map into the value pointed to by target.
func FromMap(data map[string]any, target any) error {
	raw, err := Marshal(data)
	if err != nil {
		return err
	}
	return Unmarshal(raw, target)
}
