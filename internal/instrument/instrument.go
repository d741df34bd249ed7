package instrument

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	parentSpanIDKey ctxKey = iota
	instrumenterKey
)

// Instrumenter starts timed spans around engine operations.
type Instrumenter interface {
	StartSpan(ctx context.Context, component, action string) (context.Context, Span)
}

// Span represents a timed operation.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	SpanID() string
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context,
// or a NoopInstrumenter if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return &NoopInstrumenter{}
}

func getParentSpanID(ctx context.Context) string {
	if v, ok := ctx.Value(parentSpanIDKey).(string); ok {
		return v
	}
	return ""
}

// LogInstrumenter writes one structured log record per finished span.
type LogInstrumenter struct {
	logger *slog.Logger
}

// NewLogInstrumenter creates an instrumenter backed by logger. A nil logger
// uses slog.Default().
func NewLogInstrumenter(logger *slog.Logger) *LogInstrumenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogInstrumenter{logger: logger}
}

// StartSpan creates a new span and returns a context in which it is the parent.
func (i *LogInstrumenter) StartSpan(ctx context.Context, component, action string) (context.Context, Span) {
	span := &LogSpan{
		logger:       i.logger,
		spanID:       uuid.New().String(),
		parentSpanID: getParentSpanID(ctx),
		component:    component,
		action:       action,
		startTime:    time.Now(),
		metadata:     make(map[string]any),
	}
	return context.WithValue(ctx, parentSpanIDKey, span.spanID), span
}

// LogSpan implements Span by logging on End.
type LogSpan struct {
	mu           sync.Mutex
	logger       *slog.Logger
	spanID       string
	parentSpanID string
	component    string
	action       string
	entity       string
	recordID     string
	status       string
	startTime    time.Time
	metadata     map[string]any
	ended        bool
}

func (s *LogSpan) SpanID() string { return s.spanID }

func (s *LogSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *LogSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *LogSpan) SetEntity(entity, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = entity
	s.recordID = recordID
}

func (s *LogSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	attrs := []any{
		"span_id", s.spanID,
		"component", s.component,
		"action", s.action,
		"duration_ms", float64(time.Since(s.startTime).Microseconds()) / 1000.0,
	}
	if s.parentSpanID != "" {
		attrs = append(attrs, "parent_span_id", s.parentSpanID)
	}
	if s.entity != "" {
		attrs = append(attrs, "entity", s.entity)
	}
	if s.recordID != "" {
		attrs = append(attrs, "record_id", s.recordID)
	}
	if s.status != "" {
		attrs = append(attrs, "status", s.status)
	}
	for k, v := range s.metadata {
		attrs = append(attrs, k, v)
	}
	s.logger.Debug("span", attrs...)
}
