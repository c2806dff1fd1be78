package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/drblury/actorflow/internal/runtime/router"
)

const maxEventBytes = 4 << 20

// Chunk is one value of a streamed result.
type Chunk struct {
	Value any
	// First is set on the first chunk only.
	First bool
}

// readEvents parses an event stream, handing the value of every data line
// to onChunk. Values that are not JSON arrive as strings.
func readEvents(r io.Reader, onChunk func(Chunk) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxEventBytes)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.Clone(bytes.TrimPrefix(data, []byte(" ")))
		if err := onChunk(Chunk{Value: router.DecodeChunk(data), First: first}); err != nil {
			return err
		}
		first = false
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("client: read stream: %w", err)
	}
	return nil
}
