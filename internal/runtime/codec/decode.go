package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"
)

type decoder struct {
	blobs map[string][]byte
}

func (d *decoder) assign(node any, v reflect.Value) error {
	if v.Kind() == reflect.Interface && v.NumMethod() == 0 {
		natural, err := d.natural(node)
		if err != nil {
			return err
		}
		if natural == nil {
			v.SetZero()
			return nil
		}
		v.Set(reflect.ValueOf(natural))
		return nil
	}

	if v.Kind() == reflect.Pointer {
		if node == nil {
			v.SetZero()
			return nil
		}
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return d.assign(node, v.Elem())
	}

	if kind, payload, ok := taggedValue(node); ok {
		return d.assignTagged(kind, payload, v)
	}

	if node == nil {
		v.SetZero()
		return nil
	}

	switch v.Type() {
	case timeType:
		s, ok := node.(string)
		if !ok {
			return typeError(node, v)
		}
		return d.assignTagged(tagDate, s, v)
	case urlType:
		s, ok := node.(string)
		if !ok {
			return typeError(node, v)
		}
		return d.assignTagged(tagURL, s, v)
	case bytesType:
		if s, ok := node.(string); ok {
			return d.assignTagged(tagBytes, s, v)
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		b, ok := node.(bool)
		if !ok {
			return typeError(node, v)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(node)
		if err != nil || v.OverflowInt(n) {
			return typeError(node, v)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toInt(node)
		if err != nil || n < 0 || v.OverflowUint(uint64(n)) {
			return typeError(node, v)
		}
		v.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		f, ok := toFloat(node)
		if !ok {
			return typeError(node, v)
		}
		v.SetFloat(f)
	case reflect.String:
		s, ok := node.(string)
		if !ok {
			return typeError(node, v)
		}
		v.SetString(s)
	case reflect.Slice:
		list, ok := node.([]any)
		if !ok {
			return typeError(node, v)
		}
		return d.assignList(list, v)
	case reflect.Array:
		list, ok := node.([]any)
		if !ok || len(list) > v.Len() {
			return typeError(node, v)
		}
		for i, item := range list {
			if err := d.assign(item, v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		obj, ok := node.(map[string]any)
		if !ok {
			return typeError(node, v)
		}
		return d.assignObjectToMap(obj, v)
	case reflect.Struct:
		obj, ok := node.(map[string]any)
		if !ok {
			return typeError(node, v)
		}
		return d.assignStruct(obj, v)
	default:
		return fmt.Errorf("codec: cannot decode into %s", v.Type())
	}
	return nil
}

func (d *decoder) assignTagged(kind string, payload any, v reflect.Value) error {
	switch kind {
	case tagBytes, tagRef:
		b, err := d.blob(kind, payload)
		if err != nil {
			return err
		}
		if v.Type() != bytesType {
			return typeError(b, v)
		}
		v.SetBytes(b)
	case tagDate:
		s, _ := payload.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("codec: invalid date %q: %w", s, err)
		}
		if v.Type() != timeType {
			return typeError(t, v)
		}
		v.Set(reflect.ValueOf(t))
	case tagURL:
		s, _ := payload.(string)
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("codec: invalid url %q: %w", s, err)
		}
		if v.Type() != urlType {
			return typeError(u, v)
		}
		v.Set(reflect.ValueOf(*u))
	case tagMap:
		pairs, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("codec: malformed map payload")
		}
		return d.assignPairs(pairs, v)
	case tagSet:
		items, ok := payload.([]any)
		if !ok {
			return fmt.Errorf("codec: malformed set payload")
		}
		if v.Kind() == reflect.Map {
			// map[T]bool and map[T]struct{} are the usual Go spelling of a set.
			if v.IsNil() {
				v.Set(reflect.MakeMapWithSize(v.Type(), len(items)))
			}
			for _, item := range items {
				key := reflect.New(v.Type().Key()).Elem()
				if err := d.assign(item, key); err != nil {
					return err
				}
				elem := reflect.New(v.Type().Elem()).Elem()
				if elem.Kind() == reflect.Bool {
					elem.SetBool(true)
				}
				v.SetMapIndex(key, elem)
			}
			return nil
		}
		if v.Kind() != reflect.Slice {
			return typeError(items, v)
		}
		return d.assignList(items, v)
	case tagObject:
		obj, ok := payload.(map[string]any)
		if !ok {
			return fmt.Errorf("codec: malformed object payload")
		}
		switch v.Kind() {
		case reflect.Struct:
			return d.assignStruct(obj, v)
		case reflect.Map:
			return d.assignObjectToMap(obj, v)
		}
		return typeError(obj, v)
	default:
		return fmt.Errorf("codec: unknown tag %q", kind)
	}
	return nil
}

func (d *decoder) blob(kind string, payload any) ([]byte, error) {
	s, _ := payload.(string)
	if kind == tagRef {
		b, ok := d.blobs[s]
		if !ok {
			return nil, fmt.Errorf("codec: missing side-channel part %q", s)
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: invalid bytes: %w", err)
	}
	return b, nil
}

func (d *decoder) assignList(list []any, v reflect.Value) error {
	out := reflect.MakeSlice(v.Type(), len(list), len(list))
	for i, item := range list {
		if err := d.assign(item, out.Index(i)); err != nil {
			return err
		}
	}
	v.Set(out)
	return nil
}

func (d *decoder) assignPairs(pairs []any, v reflect.Value) error {
	if v.Type() == mapType {
		m := Map{}
		for _, raw := range pairs {
			k, val, err := d.pair(raw)
			if err != nil {
				return err
			}
			nk, err := d.natural(k)
			if err != nil {
				return err
			}
			nv, err := d.natural(val)
			if err != nil {
				return err
			}
			m.Set(nk, nv)
		}
		v.Set(reflect.ValueOf(m))
		return nil
	}
	if v.Kind() != reflect.Map {
		return typeError(pairs, v)
	}
	if v.IsNil() {
		v.Set(reflect.MakeMapWithSize(v.Type(), len(pairs)))
	}
	for _, raw := range pairs {
		k, val, err := d.pair(raw)
		if err != nil {
			return err
		}
		key := reflect.New(v.Type().Key()).Elem()
		if err := d.assign(k, key); err != nil {
			return err
		}
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := d.assign(val, elem); err != nil {
			return err
		}
		v.SetMapIndex(key, elem)
	}
	return nil
}

func (d *decoder) pair(raw any) (any, any, error) {
	pair, ok := raw.([]any)
	if !ok || len(pair) != 2 {
		return nil, nil, fmt.Errorf("codec: malformed map entry")
	}
	return pair[0], pair[1], nil
}

func (d *decoder) assignObjectToMap(obj map[string]any, v reflect.Value) error {
	if v.IsNil() {
		v.Set(reflect.MakeMapWithSize(v.Type(), len(obj)))
	}
	keyType := v.Type().Key()
	for k, item := range obj {
		key := reflect.New(keyType).Elem()
		switch keyType.Kind() {
		case reflect.String:
			key.SetString(k)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(k, 10, 64)
			if err != nil || key.OverflowInt(n) {
				return fmt.Errorf("codec: invalid map key %q for %s", k, keyType)
			}
			key.SetInt(n)
		default:
			return fmt.Errorf("codec: unsupported map key type %s", keyType)
		}
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := d.assign(item, elem); err != nil {
			return err
		}
		v.SetMapIndex(key, elem)
	}
	return nil
}

func (d *decoder) assignStruct(obj map[string]any, v reflect.Value) error {
	fields := cachedFields(v.Type())
	for k, item := range obj {
		f := lookupField(fields, k)
		if f == nil {
			continue
		}
		fv, err := v.FieldByIndexErr(f.index)
		if err != nil {
			continue
		}
		if err := d.assign(item, fv); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

func (d *decoder) natural(node any) (any, error) {
	switch n := node.(type) {
	case nil, bool, string, float64:
		return n, nil
	case json.Number, int64, uint64:
		f, _ := toFloat(n)
		return f, nil
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			v, err := d.natural(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		if kind, payload, ok := taggedValue(n); ok {
			return d.naturalTagged(kind, payload)
		}
		return d.naturalObject(n)
	}
	return nil, fmt.Errorf("codec: unexpected node %T", node)
}

func (d *decoder) naturalObject(obj map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	for k, item := range obj {
		v, err := d.natural(item)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (d *decoder) naturalTagged(kind string, payload any) (any, error) {
	switch kind {
	case tagBytes, tagRef:
		return d.blob(kind, payload)
	case tagDate:
		var t time.Time
		err := d.assignTagged(kind, payload, reflect.ValueOf(&t).Elem())
		return t, err
	case tagURL:
		var u url.URL
		if err := d.assignTagged(kind, payload, reflect.ValueOf(&u).Elem()); err != nil {
			return nil, err
		}
		return &u, nil
	case tagMap:
		var m Map
		if err := d.assignTagged(kind, payload, reflect.ValueOf(&m).Elem()); err != nil {
			return nil, err
		}
		return &m, nil
	case tagSet:
		items, ok := payload.([]any)
		if !ok {
			return nil, fmt.Errorf("codec: malformed set payload")
		}
		out := make(Set, len(items))
		for i, item := range items {
			v, err := d.natural(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case tagObject:
		obj, ok := payload.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("codec: malformed object payload")
		}
		return d.naturalObject(obj)
	}
	return nil, fmt.Errorf("codec: unknown tag %q", kind)
}

func toInt(node any) (int64, error) {
	switch n := node.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("codec: %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		return floatToInt(n)
	}
	return 0, fmt.Errorf("codec: %T is not a number", node)
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("codec: %v is not an integer", f)
	}
	return int64(f), nil
}

func typeError(node any, v reflect.Value) error {
	return fmt.Errorf("codec: cannot decode %s into %s", describe(node), v.Type())
}

func describe(node any) string {
	switch node.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64, int64, uint64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", node), "*")
}
