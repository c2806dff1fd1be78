package codec

import (
	"bytes"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRoundTripUntyped(t *testing.T) {
	t.Parallel()

	when := time.Date(2024, 3, 9, 12, 30, 15, 123000000, time.UTC)
	cases := map[string]any{
		"string":  "hello",
		"number":  42.5,
		"boolean": true,
		"null":    nil,
		"date":    when,
		"url":     mustURL(t, "https://example.com/rooms?id=1"),
		"blob":    []byte{0, 1, 2, 254, 255},
		"set":     Set{"a", 2.0, true},
		"map":     NewMap(MapEntry{Key: 1.0, Value: "one"}, MapEntry{Key: "two", Value: []any{2.0}}),
		"nested": map[string]any{
			"when":  when,
			"tags":  Set{"x"},
			"inner": map[string]any{"n": 1.0, "list": []any{"a", nil}},
		},
		"escaped": map[string]any{"$t": "not a tag", "v": 1.0},
	}

	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := Marshal(value)
			require.NoError(t, err)

			var got any
			require.NoError(t, Unmarshal(data, &got))
			assert.Equal(t, value, got)
		})
	}
}

type profile struct {
	Name     string            `json:"name"`
	Age      int               `json:"age,omitempty"`
	Avatar   []byte            `json:"avatar"`
	Joined   time.Time         `json:"joined"`
	Home     *url.URL          `json:"home"`
	Scores   map[int]float64   `json:"scores"`
	Labels   map[string]string `json:"labels"`
	Friends  map[string]bool   `json:"friends"`
	Internal string            `json:"-"`
}

func TestRoundTripTyped(t *testing.T) {
	t.Parallel()

	in := profile{
		Name:     "ada",
		Age:      36,
		Avatar:   []byte("png"),
		Joined:   time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Home:     mustURL(t, "https://ada.dev"),
		Scores:   map[int]float64{1: 0.5, 2: 1},
		Labels:   map[string]string{"team": "core"},
		Internal: "secret",
	}

	data, err := Marshal(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	var out profile
	require.NoError(t, Unmarshal(data, &out))
	in.Internal = ""
	assert.Equal(t, in, out)
}

func TestUnmarshalPlainJSON(t *testing.T) {
	t.Parallel()

	var out profile
	err := Unmarshal([]byte(`{"name":"bob","age":7,"joined":"2020-05-01T00:00:00Z","avatar":"aGk=","home":"https://b.io"}`), &out)
	require.NoError(t, err)

	assert.Equal(t, "bob", out.Name)
	assert.Equal(t, 7, out.Age)
	assert.Equal(t, 2020, out.Joined.Year())
	assert.Equal(t, []byte("hi"), out.Avatar)
	assert.Equal(t, "b.io", out.Home.Host)
}

func TestUnmarshalTypeMismatch(t *testing.T) {
	t.Parallel()

	var out profile
	err := Unmarshal([]byte(`{"age":"seven"}`), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "age")

	assert.Error(t, Unmarshal([]byte(`{}`), out))
}

func TestIsPlain(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPlain(map[string]any{"a": []any{1, "b"}}))
	assert.True(t, IsPlain(profile{Name: "x"}.Labels))
	assert.False(t, IsPlain(map[string]any{"at": time.Now()}))
	assert.False(t, IsPlain([]byte("x")))
	assert.False(t, IsPlain(map[int]string{1: "a"}))
}

func TestMarshalIsDeterministicForGoMaps(t *testing.T) {
	t.Parallel()

	v := map[int]string{3: "c", 1: "a", 2: "b"}
	first, err := Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()

	var out profile
	err := Convert(map[string]any{"name": "eve", "age": 3.0, "friends": Set{"bob"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "eve", out.Name)
	assert.Equal(t, 3, out.Age)
	assert.Equal(t, map[string]bool{"bob": true}, out.Friends)
}

func TestFormMovesBlobsToSideChannel(t *testing.T) {
	t.Parallel()

	blob := bytes.Repeat([]byte{7}, 1024)
	in := map[string]any{"file": blob, "name": "report.bin", "meta": map[string]any{"thumb": []byte("t")}}

	contentType, body, err := Form(in)
	require.NoError(t, err)
	assert.True(t, IsForm(contentType))
	assert.Equal(t, 3, strings.Count(string(body), "Content-Disposition"))

	var out any
	require.NoError(t, Deform(contentType, bytes.NewReader(body), &out))
	assert.Equal(t, map[string]any{"file": blob, "name": "report.bin", "meta": map[string]any{"thumb": []byte("t")}}, out)
}

func TestDeformRejectsNonMultipart(t *testing.T) {
	t.Parallel()

	var out any
	err := Deform("application/json", strings.NewReader(`{}`), &out)
	assert.Error(t, err)
}

func TestMapOperations(t *testing.T) {
	t.Parallel()

	m := NewMap()
	m.Set([]any{"compound"}, 1)
	m.Set([]any{"compound"}, 2)
	m.Set("k", 3)

	assert.Equal(t, 2, m.Len())
	v, ok := m.Get([]any{"compound"})
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = m.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, "k", m.Entries()[1].Key)
}
