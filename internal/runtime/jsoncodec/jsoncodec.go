// Package jsoncodec encodes event bodies and API responses with sonic.
// Map keys are sorted so the same value always produces the same bytes.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.Config{
	EscapeHTML:     true,
	SortMapKeys:    true,
	ValidateString: true,
	CopyString:     true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Encode writes v followed by a newline.
func Encode(w io.Writer, v any) error {
	return api.NewEncoder(w).Encode(v)
}

func Valid(data []byte) bool {
	return api.Valid(data)
}
