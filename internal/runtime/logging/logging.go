package logging

import (
	"log/slog"
	"os"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs used by actorflow.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract used across actorflow. It
// mirrors Watermill's logger so the queue runtime and the actor runtime share
// one sink.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("actorflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("actorflow: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// Default returns a text logger on stderr at info level.
func Default() ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Nop discards everything.
func Nop() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}

// OrDefault returns log, or Default when log is nil. Components call it so a
// zero-value options struct still logs somewhere.
func OrDefault(log ServiceLogger) ServiceLogger {
	if log == nil {
		return Default()
	}
	return log
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// for the queue router, publishers and subscribers.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("actorflow: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

// Recorder is an in-memory ServiceLogger for tests in other packages. It is
// safe for concurrent use.
type Recorder struct {
	fields LogFields
	book   *recordBook
}

type recordBook struct {
	mu      sync.Mutex
	entries []RecordedEntry
}

// RecordedEntry is one line captured by a Recorder.
type RecordedEntry struct {
	Level  string
	Msg    string
	Err    error
	Fields LogFields
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{book: &recordBook{}}
}

// Entries returns everything logged so far, including by derived loggers.
func (r *Recorder) Entries() []RecordedEntry {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	return append([]RecordedEntry(nil), r.book.entries...)
}

// Has reports whether a line with the level and message was logged.
func (r *Recorder) Has(level, msg string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}

func (r *Recorder) With(fields LogFields) ServiceLogger {
	return &Recorder{fields: merge(r.fields, fields), book: r.book}
}

func (r *Recorder) Debug(msg string, fields LogFields) { r.add("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields LogFields)  { r.add("info", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields LogFields) { r.add("trace", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields LogFields) {
	r.add("error", msg, err, fields)
}

func (r *Recorder) add(level, msg string, err error, fields LogFields) {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	r.book.entries = append(r.book.entries, RecordedEntry{Level: level, Msg: msg, Err: err, Fields: merge(r.fields, fields)})
}

func merge(a, b LogFields) LogFields {
	out := make(LogFields, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
