package eventbus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Codec encodes and decodes a user-defined message body type. Registered
// under the body's runtime type name; looked up when a body is not one of
// the built-in primitive kinds (string, []byte, int, int64, float64, bool,
// structured JSON object/array).
type Codec interface {
	Encode(body any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// CodecRegistry maps a type name to the Codec responsible for it. Lookups
// are lock-free (sync.Map); registration is rare relative to lookups.
type CodecRegistry struct {
	codecs sync.Map // string -> Codec
}

// NewCodecRegistry returns an empty codec registry.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{}
}

// Register installs a codec under typeName, replacing any existing one.
func (r *CodecRegistry) Register(typeName string, c Codec) {
	r.codecs.Store(typeName, c)
}

// Unregister removes the codec registered under typeName, if any.
func (r *CodecRegistry) Unregister(typeName string) {
	r.codecs.Delete(typeName)
}

func (r *CodecRegistry) lookup(typeName string) (Codec, bool) {
	v, ok := r.codecs.Load(typeName)
	if !ok {
		return nil, false
	}
	return v.(Codec), true
}

// TypeName returns the registry key a body of this Go type would be
// looked up under: its package-qualified type name.
func TypeName(body any) string {
	t := reflect.TypeOf(body)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// jsonCodec is a convenience Codec that marshals/unmarshals via
// encoding/json into a caller-supplied Go type. Not registered by
// default; callers opt in with RegisterCodec(name, JSONCodec(T{})).
type jsonCodec struct {
	sample any
}

// JSONCodec returns a Codec that encodes/decodes values shaped like
// sample using encoding/json. sample is only used for its type.
func JSONCodec(sample any) Codec {
	return &jsonCodec{sample: sample}
}

func (c *jsonCodec) Encode(body any) ([]byte, error) {
	return json.Marshal(body)
}

func (c *jsonCodec) Decode(data []byte) (any, error) {
	t := reflect.TypeOf(c.sample)
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("eventbus: json codec decode: %w", err)
	}
	return ptr.Elem().Interface(), nil
}
