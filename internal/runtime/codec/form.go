package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"reflect"
	"sort"
	"strings"

	"github.com/drblury/actorflow/internal/runtime/ids"
	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
)

// ValuePart names the multipart part holding the primary encoding.
const ValuePart = "value"

// MaxFormMemory bounds how much of a multipart body Deform reads.
const MaxFormMemory = 32 << 20

// Form encodes v as a multipart body. Byte slices are moved out of the
// primary document into their own parts and referenced by placeholder tokens,
// so large blobs are never base64 inflated.
func Form(v any) (contentType string, body []byte, err error) {
	enc := &encoder{blobs: map[string][]byte{}, token: ids.CreateULID}
	tree, err := enc.encode(reflect.ValueOf(v))
	if err != nil {
		return "", nil, err
	}
	primary, err := jsoncodec.Marshal(tree)
	if err != nil {
		return "", nil, err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField(ValuePart, string(primary)); err != nil {
		return "", nil, err
	}

	tokens := make([]string, 0, len(enc.blobs))
	for token := range enc.blobs {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		part, err := w.CreateFormFile(token, token)
		if err != nil {
			return "", nil, err
		}
		if _, err := part.Write(enc.blobs[token]); err != nil {
			return "", nil, err
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

// Deform decodes a body produced by Form into the value pointed to by v.
func Deform(contentType string, body io.Reader, v any) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return fmt.Errorf("codec: expected multipart body, got %s", mediaType)
	}

	r := multipart.NewReader(io.LimitReader(body, MaxFormMemory), params["boundary"])
	var primary []byte
	blobs := map[string][]byte{}
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("codec: %w", err)
		}
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return fmt.Errorf("codec: %w", err)
		}
		if name := part.FormName(); name == ValuePart {
			primary = data
		} else {
			blobs[name] = data
		}
	}
	if primary == nil {
		return fmt.Errorf("codec: multipart body has no %q part", ValuePart)
	}

	tree, err := jsoncodec.DecodeTree(primary)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	return assignTo(tree, v, blobs)
}

// IsForm reports whether contentType carries a Form body.
func IsForm(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "multipart/form-data"
}
