// Package codec encodes structured values for HTTP bodies and socket frames.
//
// The encoding is a JSON superset: values plain JSON cannot carry are written
// as tagged objects of the form {"$t": kind, "v": payload}. Plain JSON input is
// always accepted, and a plain object that happens to contain a "$t" key is
// escaped so decoding is unambiguous.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"time"

	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
)

const (
	tagKey   = "$t"
	valueKey = "v"

	tagBytes  = "bytes"
	tagRef    = "ref"
	tagDate   = "date"
	tagURL    = "url"
	tagMap    = "map"
	tagSet    = "set"
	tagObject = "object"
)

var (
	bytesType = reflect.TypeOf([]byte(nil))
	timeType  = reflect.TypeOf(time.Time{})
	urlType   = reflect.TypeOf(url.URL{})
	mapType   = reflect.TypeOf(Map{})
	setType   = reflect.TypeOf(Set(nil))
)

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	enc := &encoder{}
	tree, err := enc.encode(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(tree)
}

// Unmarshal decodes data into the value pointed to by v. Decoding into an
// untyped target yields nil, bool, float64, string, []byte, time.Time,
// *url.URL, map[string]any, []any, *Map or Set values.
func Unmarshal(data []byte, v any) error {
	tree, err := jsoncodec.DecodeTree(data)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	return assignTo(tree, v, nil)
}

// Convert copies src into the value pointed to by dst as if src had been
// marshalled and unmarshalled.
func Convert(src, dst any) error {
	enc := &encoder{}
	tree, err := enc.encode(reflect.ValueOf(src))
	if err != nil {
		return err
	}
	return assignTo(tree, dst, nil)
}

// IsPlain reports whether v encodes as plain JSON without any tagged values.
func IsPlain(v any) bool {
	enc := &encoder{}
	if _, err := enc.encode(reflect.ValueOf(v)); err != nil {
		return false
	}
	return !enc.tagged
}

func assignTo(tree any, v any, blobs map[string][]byte) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("codec: decode target must be a non-nil pointer, got %T", v)
	}
	dec := &decoder{blobs: blobs}
	return dec.assign(tree, rv.Elem())
}

type encoder struct {
	// blobs collects byte slices moved to the side-channel; nil keeps them inline.
	blobs  map[string][]byte
	token  func() string
	tagged bool
}

func (e *encoder) tag(kind string, payload any) map[string]any {
	e.tagged = true
	return map[string]any{tagKey: kind, valueKey: payload}
}

func (e *encoder) encode(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	switch v.Type() {
	case bytesType:
		if v.IsNil() {
			return nil, nil
		}
		b := v.Bytes()
		if e.blobs != nil {
			token := e.token()
			e.blobs[token] = append([]byte(nil), b...)
			return e.tag(tagRef, token), nil
		}
		return e.tag(tagBytes, base64.StdEncoding.EncodeToString(b)), nil
	case timeType:
		t := v.Interface().(time.Time)
		return e.tag(tagDate, t.Format(time.RFC3339Nano)), nil
	case urlType:
		u := v.Interface().(url.URL)
		return e.tag(tagURL, u.String()), nil
	case mapType:
		m := v.Interface().(Map)
		return e.encodeMap(m.entries)
	case setType:
		if v.IsNil() {
			return nil, nil
		}
		items, err := e.encodeList(v)
		if err != nil {
			return nil, err
		}
		return e.tag(tagSet, items), nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		return e.encode(v.Elem())
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("codec: unsupported float value %v", f)
		}
		return f, nil
	case reflect.String:
		return v.String(), nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		return e.encodeList(v)
	case reflect.Array:
		return e.encodeList(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		return e.encodeGoMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return nil, fmt.Errorf("codec: unsupported type %s", v.Type())
	}
}

func (e *encoder) encodeList(v reflect.Value) ([]any, error) {
	out := make([]any, v.Len())
	for i := range out {
		item, err := e.encode(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func (e *encoder) encodeMap(entries []MapEntry) (any, error) {
	pairs := make([]any, len(entries))
	for i, entry := range entries {
		k, err := e.encode(reflect.ValueOf(entry.Key))
		if err != nil {
			return nil, err
		}
		val, err := e.encode(reflect.ValueOf(entry.Value))
		if err != nil {
			return nil, err
		}
		pairs[i] = []any{k, val}
	}
	return e.tag(tagMap, pairs), nil
}

func (e *encoder) encodeGoMap(v reflect.Value) (any, error) {
	if v.Type().Key().Kind() != reflect.String {
		entries := make([]MapEntry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			entries = append(entries, MapEntry{Key: iter.Key().Interface(), Value: iter.Value().Interface()})
		}
		sortEntries(entries)
		return e.encodeMap(entries)
	}

	obj := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		val, err := e.encode(iter.Value())
		if err != nil {
			return nil, err
		}
		obj[iter.Key().String()] = val
	}
	return e.object(obj), nil
}

func (e *encoder) encodeStruct(v reflect.Value) (any, error) {
	obj := make(map[string]any)
	for _, f := range cachedFields(v.Type()) {
		fv, err := v.FieldByIndexErr(f.index)
		if err != nil {
			continue
		}
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		val, err := e.encode(fv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		obj[f.name] = val
	}
	return e.object(obj), nil
}

func (e *encoder) object(obj map[string]any) any {
	if _, clash := obj[tagKey]; clash {
		return e.tag(tagObject, obj)
	}
	return obj
}

// taggedValue reports whether node is a tagged extension object.
func taggedValue(node any) (string, any, bool) {
	obj, ok := node.(map[string]any)
	if !ok || len(obj) > 2 {
		return "", nil, false
	}
	kind, ok := obj[tagKey].(string)
	if !ok {
		return "", nil, false
	}
	payload, hasPayload := obj[valueKey]
	if !hasPayload && len(obj) == 2 {
		return "", nil, false
	}
	return kind, payload, true
}

func toFloat(node any) (float64, bool) {
	switch n := node.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
