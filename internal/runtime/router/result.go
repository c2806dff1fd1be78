package router

import (
	"bytes"
	"context"
	"sync/atomic"

	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
)

// File is a binary handler result delivered as an attachment.
type File struct {
	Name        string
	ContentType string
	Body        []byte
}

// Chunk is one decoded element of a stream.
type Chunk struct {
	Value any
	First bool
}

// StreamObserver sees every chunk of a stream as it passes through. All
// callbacks are optional.
type StreamObserver struct {
	OnStart func()
	OnChunk func(chunk Chunk)
	OnEnd   func(values []any)
}

// Stream is a live, single-pass sequence of byte chunks returned by a
// handler. Each chunk is decoded, shown to the observer and re-encoded as
// one event-stream line.
type Stream struct {
	source   <-chan []byte
	observer StreamObserver
	consumed atomic.Bool
}

// NewStream wraps a chunk source. The producer closes source when done.
func NewStream(source <-chan []byte, observer *StreamObserver) *Stream {
	s := &Stream{source: source}
	if observer != nil {
		s.observer = *observer
	}
	return s
}

// StreamValues is a convenience producer that emits each value as one JSON
// chunk.
func StreamValues(ctx context.Context, values <-chan any, observer *StreamObserver) *Stream {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-values:
				if !ok {
					return
				}
				data, err := jsoncodec.Marshal(v)
				if err != nil {
					continue
				}
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return NewStream(out, observer)
}

// Pipe drains the stream into emit, one framed chunk at a time. A stream can
// be piped once; later calls return ErrStreamConsumed.
func (s *Stream) Pipe(ctx context.Context, emit func(frame []byte) error) error {
	if !s.consumed.CompareAndSwap(false, true) {
		return errspkg.ErrStreamConsumed
	}
	if s.observer.OnStart != nil {
		s.observer.OnStart()
	}

	var values []any
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-s.source:
			if !ok {
				if s.observer.OnEnd != nil {
					s.observer.OnEnd(values)
				}
				return nil
			}
			value := DecodeChunk(raw)
			values = append(values, value)
			if s.observer.OnChunk != nil {
				s.observer.OnChunk(Chunk{Value: value, First: first})
			}
			first = false

			frame, err := EncodeChunk(value)
			if err != nil {
				return err
			}
			if err := emit(frame); err != nil {
				return err
			}
		}
	}
}

// DecodeChunk parses a chunk as JSON, falling back to its text.
func DecodeChunk(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if jsoncodec.Valid(trimmed) {
		var v any
		if err := jsoncodec.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// EncodeChunk frames a value as one event-stream data line.
func EncodeChunk(value any) ([]byte, error) {
	data, err := jsoncodec.Marshal(value)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
