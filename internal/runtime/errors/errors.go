package errors

import (
	sterrors "errors"
	"fmt"
	"net/http"
)

var (
	ErrHandlerRequired   = sterrors.New("actorflow: handler function is required")
	ErrRouterRequired    = sterrors.New("actorflow: router is required")
	ErrPublisherRequired = sterrors.New("actorflow: publisher is required")
	ErrTopicRequired     = sterrors.New("actorflow: topic is required")
	ErrStorageRequired   = sterrors.New("actorflow: storage is required")
	ErrConfigRequired    = sterrors.New("actorflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("actorflow: logger is required")
	ErrStreamConsumed    = sterrors.New("actorflow: stream already consumed")
	ErrConnectionClosed  = sterrors.New("actorflow: connection closed")
)

// Kind identifies a class of failure that maps onto a transport status.
type Kind string

const (
	BadRequest           Kind = "BAD_REQUEST"
	Unauthorized         Kind = "UNAUTHORIZED"
	Forbidden            Kind = "FORBIDDEN"
	NotFound             Kind = "NOT_FOUND"
	MethodNotSupported   Kind = "METHOD_NOT_SUPPORTED"
	Timeout              Kind = "TIMEOUT"
	Conflict             Kind = "CONFLICT"
	PreconditionFailed   Kind = "PRECONDITION_FAILED"
	PayloadTooLarge      Kind = "PAYLOAD_TOO_LARGE"
	UnsupportedMediaType Kind = "UNSUPPORTED_MEDIA_TYPE"
	UnprocessableContent Kind = "UNPROCESSABLE_CONTENT"
	TooManyRequests      Kind = "TOO_MANY_REQUESTS"
	ClientClosedRequest  Kind = "CLIENT_CLOSED_REQUEST"
	Internal             Kind = "INTERNAL_SERVER_ERROR"
	NotImplemented       Kind = "NOT_IMPLEMENTED"
	BadGateway           Kind = "BAD_GATEWAY"
	ServiceUnavailable   Kind = "SERVICE_UNAVAILABLE"
	GatewayTimeout       Kind = "GATEWAY_TIMEOUT"
)

var kindStatus = map[Kind]int{
	BadRequest:           http.StatusBadRequest,
	Unauthorized:         http.StatusUnauthorized,
	Forbidden:            http.StatusForbidden,
	NotFound:             http.StatusNotFound,
	MethodNotSupported:   http.StatusMethodNotAllowed,
	Timeout:              http.StatusRequestTimeout,
	Conflict:             http.StatusConflict,
	PreconditionFailed:   http.StatusPreconditionFailed,
	PayloadTooLarge:      http.StatusRequestEntityTooLarge,
	UnsupportedMediaType: http.StatusUnsupportedMediaType,
	UnprocessableContent: http.StatusUnprocessableEntity,
	TooManyRequests:      http.StatusTooManyRequests,
	ClientClosedRequest:  499,
	Internal:             http.StatusInternalServerError,
	NotImplemented:       http.StatusNotImplemented,
	BadGateway:           http.StatusBadGateway,
	ServiceUnavailable:   http.StatusServiceUnavailable,
	GatewayTimeout:       http.StatusGatewayTimeout,
}

var kindText = map[Kind]string{
	BadRequest:           "Bad Request",
	Unauthorized:         "Unauthorized",
	Forbidden:            "Forbidden",
	NotFound:             "Not Found",
	MethodNotSupported:   "Method Not Supported",
	Timeout:              "Timeout",
	Conflict:             "Conflict",
	PreconditionFailed:   "Precondition Failed",
	PayloadTooLarge:      "Payload Too Large",
	UnsupportedMediaType: "Unsupported Media Type",
	UnprocessableContent: "Unprocessable Content",
	TooManyRequests:      "Too Many Requests",
	ClientClosedRequest:  "Client Closed Request",
	Internal:             "Internal Server Error",
	NotImplemented:       "Not Implemented",
	BadGateway:           "Bad Gateway",
	ServiceUnavailable:   "Service Unavailable",
	GatewayTimeout:       "Gateway Timeout",
}

// Status returns the HTTP status code for the kind. Unknown kinds map to 500.
func (k Kind) Status() int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Text returns the human readable name of the kind, such as "Not Found".
func (k Kind) Text() string {
	if text, ok := kindText[k]; ok {
		return text
	}
	return kindText[Internal]
}

// KindFromStatus is the inverse of Kind.Status and is used by clients decoding
// error responses.
func KindFromStatus(status int) Kind {
	for kind, s := range kindStatus {
		if s == status {
			return kind
		}
	}
	if status >= 400 && status < 500 {
		return BadRequest
	}
	return Internal
}

// Issue is one structured problem reported by a schema validator.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Condition is a failure that is safe to surface to callers. Handlers return
// conditions to control the status code and message seen by the client; any
// other error is reported as a generic internal error.
type Condition struct {
	Kind    Kind
	Message string
	Issues  []Issue
	Cause   error
}

func (c *Condition) Error() string {
	if c.Message == "" {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

func (c *Condition) Unwrap() error { return c.Cause }

// Status returns the mapped HTTP status code.
func (c *Condition) Status() int { return c.Kind.Status() }

// StatusText is the statusText of error frames.
func (c *Condition) StatusText() string { return c.Kind.Text() }

// Body is the payload carried by socket error frames.
type Body struct {
	Message    string  `json:"message"`
	Status     int     `json:"status"`
	StatusText string  `json:"statusText"`
	Issues     []Issue `json:"issues,omitempty"`
}

// Body renders the condition as an error frame payload.
func (c *Condition) Body() Body {
	return Body{
		Message:    c.Message,
		Status:     c.Status(),
		StatusText: c.StatusText(),
		Issues:     c.Issues,
	}
}

// New returns a condition of the given kind.
func New(kind Kind, message string) *Condition {
	return &Condition{Kind: kind, Message: message}
}

// Newf formats the message of a new condition.
func Newf(kind Kind, format string, args ...any) *Condition {
	return &Condition{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a condition that keeps err as its cause.
func Wrap(kind Kind, message string, err error) *Condition {
	return &Condition{Kind: kind, Message: message, Cause: err}
}

// NewBadRequest returns a validation failure carrying its issues.
func NewBadRequest(message string, issues []Issue) *Condition {
	if message == "" {
		message = "Invalid input"
	}
	return &Condition{Kind: BadRequest, Message: message, Issues: issues}
}

// NewNotFound reports an unresolved path.
func NewNotFound(path string) *Condition {
	return Newf(NotFound, "no handler for %q", path)
}

// As extracts a condition from err's chain.
func As(err error) (*Condition, bool) {
	var c *Condition
	if sterrors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// From normalises err into a condition. Errors that are not conditions are
// reported as a generic internal error so their details never leak.
func From(err error) *Condition {
	if err == nil {
		return nil
	}
	if c, ok := As(err); ok {
		return c
	}
	return Wrap(Internal, "Internal Server Error", err)
}

// IsKind reports whether err carries a condition of the given kind.
func IsKind(err error, kind Kind) bool {
	c, ok := As(err)
	return ok && c.Kind == kind
}

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "actorflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
