// Package util collects small generic helpers shared across MrTaskman's
// packages: string slice utilities and the LRUCodec used to serialize
// records into boltutil's indexed buckets.
package util

import (
	"encoding/json"
	"reflect"
)

// CopyStringSlice returns a new slice with the same elements as s, so
// callers can retain a slice passed in without aliasing the caller's
// backing array.
func CopyStringSlice(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// StringSet is a set of strings, used by boltutil to check a bucket's
// index names.
type StringSet map[string]bool

// NewStringSet returns a StringSet containing the given strings.
func NewStringSet(s []string) StringSet {
	out := make(StringSet, len(s))
	for _, v := range s {
		out[v] = true
	}
	return out
}

// Keys returns the elements of the set in indeterminate order.
func (s StringSet) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// LRUCodec encodes and decodes values for storage, used by boltutil's
// IndexedBucket to turn a Record into bytes and back.
type LRUCodec interface {
	Encode(interface{}) ([]byte, error)
	Decode([]byte) (interface{}, error)
}

// jsonCodec is an LRUCodec backed by encoding/json. Decode allocates a new
// value of the same concrete type as template through newZero (built with
// reflect.New from template's pointed-to type) and json.Unmarshals into it.
type jsonCodec struct {
	newZero func() interface{}
}

// JSONCodec returns an LRUCodec that marshals and unmarshals values as JSON.
// template must be a pointer to the concrete type that will be stored;
// Decode allocates a fresh zero value of that same type for each call.
func JSONCodec(template interface{}) LRUCodec {
	return &jsonCodec{newZero: zeroFactory(template)}
}

func (c *jsonCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *jsonCodec) Decode(b []byte) (interface{}, error) {
	v := c.newZero()
	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

// zeroFactory returns a function producing a fresh pointer of the same
// concrete type as template on each call.
func zeroFactory(template interface{}) func() interface{} {
	t := reflect.TypeOf(template)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return func() interface{} {
		return reflect.New(t).Interface()
	}
}
