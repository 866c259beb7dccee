// Package corelib holds the ambient stack shared by every subsystem: logging,
// the error taxonomy, and environment-driven configuration.
package corelib

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the minimal structured logging interface used throughout buildforge.
// Every field map is flattened into the log line; context-aware variants attach
// correlation data (build id, stage id) carried on the context.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentLogger extends Logger with a named sub-component, so that different
// subsystems (router, orchestrator, fabric) can log under distinct component
// tags while sharing one base configuration.
//
// Component naming convention:
//   - "router"       - Model Router
//   - "orchestrator" - Pipeline Orchestrator
//   - "registry"     - Stage Registry
//   - "eventstream"  - Event Stream Fabric
//   - "metrics"      - Metrics & Audit Collector
//   - "api"          - HTTP surface
type ComponentLogger interface {
	Logger
	WithComponent(component string) Logger
}

type correlationKey struct{}

// Correlation carries ids that should appear on every log line emitted while
// handling a given build/stage.
type Correlation struct {
	BuildID string
	StageID string
	TaskID  string
}

// WithCorrelation attaches correlation ids to a context for downstream logging.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

func correlationFrom(ctx context.Context) (Correlation, bool) {
	if ctx == nil {
		return Correlation{}, false
	}
	c, ok := ctx.Value(correlationKey{}).(Correlation)
	return c, ok
}

// JSONLogger is the production logger: JSON lines to an io.Writer, or a
// human-readable one-liner format for local development.
type JSONLogger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
}

// LoggingConfig configures a JSONLogger.
type LoggingConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|text
	Output string // stdout|stderr
}

// NewLogger builds the base logger for the process.
func NewLogger(cfg LoggingConfig, serviceName string) ComponentLogger {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	return &JSONLogger{
		level:   strings.ToLower(orDefault(cfg.Level, "info")),
		debug:   strings.ToLower(cfg.Level) == "debug",
		service: serviceName,
		format:  format,
		output:  out,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (l *JSONLogger) WithComponent(component string) Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields, nil)
}
func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields, nil)
}
func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields, nil)
}
func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	if l.debug {
		l.log("DEBUG", msg, fields, nil)
	}
}

func (l *JSONLogger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields, ctx)
}
func (l *JSONLogger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields, ctx)
}
func (l *JSONLogger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields, ctx)
}
func (l *JSONLogger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.debug {
		l.log("DEBUG", msg, fields, ctx)
	}
}

func (l *JSONLogger) log(level, msg string, fields map[string]interface{}, ctx context.Context) {
	ts := time.Now().Format(time.RFC3339)

	if l.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   l.service,
			"component": orDefault(l.component, "buildforge"),
			"message":   msg,
		}
		if c, ok := correlationFrom(ctx); ok {
			if c.BuildID != "" {
				entry["build_id"] = c.BuildID
			}
			if c.StageID != "" {
				entry["stage_id"] = c.StageID
			}
			if c.TaskID != "" {
				entry["task_id"] = c.TaskID
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(l.output, string(data))
		}
		return
	}

	corrInfo := ""
	if c, ok := correlationFrom(ctx); ok && c.BuildID != "" {
		corrInfo = fmt.Sprintf("[build=%s] ", c.BuildID)
	}
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintf(l.output, "%s [%s] [%s/%s] %s%s%s\n",
		ts, level, l.service, orDefault(l.component, "buildforge"), corrInfo, msg, b.String())
}

// NoOpLogger discards everything; used as a safe default in tests.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) InfoContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WithComponent(string) Logger { return NoOpLogger{} }
