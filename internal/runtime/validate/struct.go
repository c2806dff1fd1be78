package validate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/drblury/actorflow/internal/runtime/codec"
)

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *validator.Validate
)

// DefaultValidator returns the shared validator used by Struct. It reports
// field paths using json tag names.
func DefaultValidator() *validator.Validate {
	defaultValidatorOnce.Do(func() {
		defaultValidator = NewValidator()
	})
	return defaultValidator
}

// NewValidator returns a validator configured the way Struct expects.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Struct decodes raw into T and checks its `validate` struct tags with the
// default validator.
func Struct[T any]() Schema {
	return StructWith[T](DefaultValidator())
}

// StructWith is Struct with a caller supplied validator, for example one with
// custom rules registered through RegisterValidation.
func StructWith[T any](v *validator.Validate) Schema {
	return SchemaFunc(func(ctx context.Context, raw any) (any, error) {
		var out T
		if err := codec.Convert(raw, &out); err != nil {
			return nil, rootIssue("invalid_type", err)
		}
		if !isStruct(reflect.TypeOf(out)) {
			return out, nil
		}
		if err := v.StructCtx(ctx, out); err != nil {
			return nil, structIssues(err)
		}
		return out, nil
	})
}

func isStruct(t reflect.Type) bool {
	if t == nil {
		return false
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

func structIssues(err error) *Error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return rootIssue("invalid", err)
	}
	issues := make([]Issue, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		issues = append(issues, Issue{
			Path:    path,
			Message: ruleMessage(fe),
			Code:    fe.Tag(),
		})
	}
	return &Error{Issues: issues}
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed the %s=%s rule", fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("failed the %s rule", fe.Tag())
}
