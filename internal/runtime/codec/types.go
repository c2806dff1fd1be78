package codec

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Map is an insertion ordered map whose keys may be any encodable value,
// including ones plain JSON objects cannot key by.
type Map struct {
	entries []MapEntry
}

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   any
	Value any
}

// NewMap builds a Map from entries; later duplicates replace earlier ones.
func NewMap(entries ...MapEntry) *Map {
	m := &Map{}
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// Set inserts or replaces the value stored at key.
func (m *Map) Set(key, value any) {
	for i := range m.entries {
		if reflect.DeepEqual(m.entries[i].Key, key) {
			m.entries[i].Value = value
			return
		}
	}
	m.entries = append(m.entries, MapEntry{Key: key, Value: value})
}

// Get returns the value stored at key.
func (m *Map) Get(key any) (any, bool) {
	for _, e := range m.entries {
		if reflect.DeepEqual(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Entries returns a copy of the entries in insertion order.
func (m *Map) Entries() []MapEntry {
	return append([]MapEntry(nil), m.entries...)
}

// Set is an ordered collection of values encoded with set semantics.
type Set []any

// sortEntries orders Go map entries so encoding is deterministic.
func sortEntries(entries []MapEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return fmt.Sprint(entries[i].Key) < fmt.Sprint(entries[j].Key)
	})
}

type fieldInfo struct {
	name      string
	index     []int
	omitEmpty bool
}

var fieldCache sync.Map // reflect.Type -> []fieldInfo

func cachedFields(t reflect.Type) []fieldInfo {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]fieldInfo)
	}
	var fields []fieldInfo
	for _, sf := range reflect.VisibleFields(t) {
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if sf.Anonymous && name == "" && indirectKind(sf.Type) == reflect.Struct {
			// Promoted fields are listed separately by VisibleFields.
			continue
		}
		if name == "" {
			name = sf.Name
		}
		fields = append(fields, fieldInfo{
			name:      name,
			index:     sf.Index,
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}
	fieldCache.Store(t, fields)
	return fields
}

func lookupField(fields []fieldInfo, key string) *fieldInfo {
	for i := range fields {
		if fields[i].name == key {
			return &fields[i]
		}
	}
	for i := range fields {
		if strings.EqualFold(fields[i].name, key) {
			return &fields[i]
		}
	}
	return nil
}

func indirectKind(t reflect.Type) reflect.Kind {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind()
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
