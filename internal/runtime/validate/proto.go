package validate

import (
	"context"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/actorflow/internal/runtime/codec"
)

// ProtoValidator validates unmarshalled protobuf messages. Implementations
// typically forward to protovalidate.
type ProtoValidator interface {
	Validate(value any) error
}

// Proto decodes raw through protojson into a fresh message and runs the
// optional validator against it.
func Proto[T proto.Message](newMessage func() T, validator ProtoValidator) Schema {
	opts := protojson.UnmarshalOptions{DiscardUnknown: false}
	return SchemaFunc(func(_ context.Context, raw any) (any, error) {
		data, err := codec.Marshal(raw)
		if err != nil {
			return nil, rootIssue("invalid_type", err)
		}
		msg := newMessage()
		if err := opts.Unmarshal(data, msg); err != nil {
			return nil, rootIssue("invalid_type", err)
		}
		if validator != nil {
			if err := validator.Validate(msg); err != nil {
				return nil, rootIssue("invalid", err)
			}
		}
		return msg, nil
	})
}
