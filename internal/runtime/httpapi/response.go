package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/drblury/actorflow/internal/runtime/codec"
	errspkg "github.com/drblury/actorflow/internal/runtime/errors"
	"github.com/drblury/actorflow/internal/runtime/jsoncodec"
	"github.com/drblury/actorflow/internal/runtime/logging"
	"github.com/drblury/actorflow/internal/runtime/router"
)

// ErrorBody is the JSON body of every failed call.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the condition message and validation issues.
type ErrorDetail struct {
	Message string          `json:"message"`
	Issues  []errspkg.Issue `json:"issues,omitempty"`
}

func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, out any) {
	switch v := out.(type) {
	case *router.File:
		h.writeFile(w, v)
	case *router.Stream:
		h.writeStream(w, r, v)
	default:
		h.writeValue(w, v)
	}
}

func (h *Handler) writeFile(w http.ResponseWriter, f *router.File) {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, strings.ReplaceAll(f.Name, `"`, `\"`)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(f.Body); err != nil {
		h.logger.Debug("Could not write file response", logging.LogFields{"file": f.Name, "error": err.Error()})
	}
}

func (h *Handler) writeStream(w http.ResponseWriter, r *http.Request, s *router.Stream) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	err := s.Pipe(r.Context(), func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && !ctxDone(r.Context()) {
		h.logger.Error("Stream response failed", err, logging.LogFields{"path": r.URL.Path})
	}
}

// writeValue sends plain values as JSON and anything carrying extended
// values as a multipart form.
func (h *Handler) writeValue(w http.ResponseWriter, v any) {
	var (
		contentType string
		body        []byte
		err         error
	)
	if codec.IsPlain(v) {
		contentType = "application/json"
		body, err = codec.Marshal(v)
	} else {
		contentType, body, err = codec.Form(v)
	}
	if err != nil {
		h.writeError(w, errspkg.Wrap(errspkg.Internal, "Internal Server Error", err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("Could not write response", logging.LogFields{"error": err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	cond := errspkg.From(err)
	if cond.Kind == errspkg.Internal && cond.Cause != nil {
		h.logger.Error("Request failed", cond.Cause, nil)
	}
	body, mErr := jsoncodec.Marshal(ErrorBody{Error: ErrorDetail{Message: cond.Message, Issues: cond.Issues}})
	if mErr != nil {
		http.Error(w, cond.Message, cond.Status())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(cond.Status())
	_, _ = w.Write(body)
}
