// Package logging builds the structured loggers used across the CLI.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// Options selects the handler.
type Options struct {
	// JSON emits one JSON object per line with keys ts, level, msg.
	JSON    bool
	Verbose bool
	// CorrelationID tags every record; a new id is generated when empty.
	CorrelationID string
}

// New returns a logger writing to w and the correlation id it carries.
func New(w io.Writer, opts Options) (*slog.Logger, string) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) > 0 {
					return a
				}
				switch a.Key {
				case slog.TimeKey:
					return slog.String("ts", formatRFC3339Millis(a.Value.Time()))
				case slog.LevelKey:
					return slog.String("level", a.Value.String())
				}
				return a
			},
		})
	} else {
		h = tint.NewHandler(w, &tint.Options{
			Level: level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
				}
				if s, ok := a.Value.Any().(string); ok && s == "" {
					return slog.Attr{}
				}
				return a
			},
		})
	}

	cid := opts.CorrelationID
	if cid == "" {
		cid = uuid.NewString()
	}
	return slog.New(h).With("cid", cid), cid
}

// Step scopes log to one phase of a component, e.g. ("ingest", "fetch").
func Step(log *slog.Logger, component, step string) *slog.Logger {
	return log.With("component", component, "step", step)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
