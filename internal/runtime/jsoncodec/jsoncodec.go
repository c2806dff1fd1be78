package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	defaultConfig = sonic.ConfigStd
	// treeConfig keeps numbers as json.Number so integers survive decoding
	// into untyped trees without float rounding.
	treeConfig = sonic.Config{
		UseNumber:      true,
		CopyString:     true,
		ValidateString: true,
	}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// DecodeTree parses data into nil, bool, json.Number, string, []any and
// map[string]any values.
func DecodeTree(data []byte) (any, error) {
	var v any
	if err := treeConfig.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Valid reports whether data is a single well formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
