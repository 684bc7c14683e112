// Package codec centralizes the JSON encodings used for catalog metadata
// columns and backup manifests.
//
// Persisted formats record the codec name so that files written with one
// codec are decoded with the same one.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// Lookup is like ByName but fails with an error naming the codec.
func Lookup(name string) (Codec, error) {
	c, ok := ByName(name)
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	return c, nil
}
