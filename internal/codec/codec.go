// Package codec serializes envelopes for the channel. The channel itself only
// moves bytes; every process sharing a channel namespace must agree on the
// codec.
package codec

import (
	"fmt"
	"strings"
)

// Codec marshals values to and from bytes.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps codec names and content types to codecs.
type Registry struct {
	byKey map[string]Codec
}

// NewRegistry returns a registry preloaded with the JSON, CBOR and
// Protobuf codecs.
func NewRegistry() (*Registry, error) {
	r := &Registry{byKey: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Proto())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	return r, nil
}

// Register adds c under its name and content type.
func (r *Registry) Register(c Codec) {
	r.byKey[c.Name()] = c
	r.byKey[c.ContentType()] = c
}

// Get returns the codec registered under name or content type, or nil.
func (r *Registry) Get(key string) Codec {
	return r.byKey[strings.ToLower(strings.TrimSpace(key))]
}

// ByName resolves a configured codec name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	if strings.TrimSpace(name) == "" {
		return JSON(), nil
	}
	r, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	c := r.Get(name)
	if c == nil {
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	return c, nil
}
