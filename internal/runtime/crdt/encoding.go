package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// ErrMalformed is returned for truncated or corrupt binary messages.
var ErrMalformed = errors.New("actorflow: malformed crdt message")

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) uint(v uint64) {
	e.buf.Write(varint.ToUvarint(v))
}

func (e *encoder) bytes(b []byte) {
	e.uint(uint64(len(b)))
	e.buf.Write(b)
}

func (e *encoder) string(s string) {
	e.uint(uint64(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) Bytes() []byte {
	return e.buf.Bytes()
}

type decoder struct {
	r *bytes.Reader
}

func newDecoder(data []byte) *decoder {
	return &decoder{r: bytes.NewReader(data)}
}

func (d *decoder) uint() (uint64, error) {
	v, err := varint.ReadUvarint(d.r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.uint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, d.r.Len())
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(d.r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

func (d *decoder) string() (string, error) {
	b, err := d.bytes()
	return string(b), err
}

func (d *decoder) done() bool {
	return d.r.Len() == 0
}
