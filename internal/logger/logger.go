// internal/logger/logger.go
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Option func(*options)

type options struct {
	level  slog.Level
	json   bool
	output io.Writer
}

func WithLevel(level string) Option {
	return func(o *options) {
		switch strings.ToLower(level) {
		case "debug":
			o.level = slog.LevelDebug
		case "warn", "warning":
			o.level = slog.LevelWarn
		case "error":
			o.level = slog.LevelError
		default:
			o.level = slog.LevelInfo
		}
	}
}

func WithFormat(format string) Option {
	return func(o *options) { o.json = strings.EqualFold(format, "json") }
}

// WithOutput ignores nil writers.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// New builds the process logger and installs it as the slog default.
func New(opts ...Option) *slog.Logger {
	o := &options{level: slog.LevelInfo, output: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}
	ho := &slog.HandlerOptions{Level: o.level}
	var h slog.Handler = slog.NewTextHandler(o.output, ho)
	if o.json {
		h = slog.NewJSONHandler(o.output, ho)
	}
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}

// Discard is used by tests and by components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Component(name string) slog.Attr { return slog.String("component", name) }

func AccountID(id string) slog.Attr { return slog.String("account_id", id) }

func CampaignID(id string) slog.Attr { return slog.String("campaign_id", id) }

func State(s any) slog.Attr { return slog.Any("state", s) }

func Attempt(n int) slog.Attr { return slog.Int("attempt", n) }

func Duration(d time.Duration) slog.Attr { return slog.Duration("duration", d) }

// Error returns an empty Attr for a nil error so it drops out of the record.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}
