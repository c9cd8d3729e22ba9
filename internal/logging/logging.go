// Package logging provides the leveled log sink for gantryd.
// It implements slog.Handler so every component logs through the standard
// log/slog API while output goes to the framework's file and console sinks.
//
// Lines are formatted as `yyyy-mm-ddTHH:MM:SS.sssZ [LEVEL] message key=value`.
// Both sinks share one mutex, so concurrent writers never interleave lines.
// A file sink that fails to write is disabled for the rest of the process
// lifetime; one diagnostic line is emitted to the console sink when that
// happens.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Framework log levels, from least to most severe when compared as
// slog.Level values. Spam and Info map below/onto the slog built-ins;
// Critical and Fatal extend above slog.LevelError.
const (
	LevelSpam     = slog.Level(-8)
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarning  = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.Level(12)
	LevelFatal    = slog.Level(16)

	// LevelNone sits above every real level; using it as the minimum
	// level disables all output.
	LevelNone = slog.Level(128)
)

// levelTag returns the bracket tag for a level. Levels between two named
// levels round down to the less severe tag, matching slog's convention.
func levelTag(l slog.Level) string {
	switch {
	case l >= LevelFatal:
		return "FATAL"
	case l >= LevelCritical:
		return "CRITICAL"
	case l >= LevelError:
		return "ERROR"
	case l >= LevelWarning:
		return "WARNING"
	case l >= LevelInfo:
		return "INFO"
	case l >= LevelDebug:
		return "DEBUG"
	default:
		return "SPAM"
	}
}

// ParseLevel converts a config string ("INFO", "spam", "None", ...) to a
// level. Unknown names default to Info so a typo in config never silences
// the server.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return LevelNone
	case "FATAL":
		return LevelFatal
	case "CRITICAL":
		return LevelCritical
	case "ERROR":
		return LevelError
	case "WARNING", "WARN":
		return LevelWarning
	case "INFO":
		return LevelInfo
	case "DEBUG":
		return LevelDebug
	case "SPAM", "TRACE":
		return LevelSpam
	default:
		return LevelInfo
	}
}

// Options configures a Handler.
type Options struct {
	Level    slog.Level // minimum level to emit; LevelNone disables output
	Console  bool       // emit to stdout
	FilePath string     // emit to this file when non-empty; opened in append mode
}

// sink is the shared output state behind a Handler and all of its
// WithAttrs/WithGroup clones. The mutex serializes every emission.
type sink struct {
	mu         sync.Mutex
	console    io.Writer // nil when the console sink is disabled
	file       *os.File  // nil when the file sink is disabled or broken
	fileBroken bool
}

// Handler is a slog.Handler writing the framework's line format to the
// configured sinks. Construct with NewHandler; the zero value is unusable.
// The minimum level lives in a LevelVar shared by all clones, so SetLevel
// on the root handler takes effect everywhere at once.
type Handler struct {
	out    *sink
	min    *slog.LevelVar
	attrs  []slog.Attr // attrs accumulated via WithAttrs
	prefix string      // group prefix accumulated via WithGroup
}

// NewHandler opens the configured sinks and returns a Handler.
// A file that cannot be opened disables the file sink rather than failing;
// the returned error is informational so the caller can log it once the
// console sink is live.
func NewHandler(opts Options) (*Handler, error) {
	s := &sink{}
	if opts.Console {
		s.console = os.Stdout
	}

	var openErr error
	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = fmt.Errorf("open log file %s: %w", opts.FilePath, err)
			s.fileBroken = true
		} else {
			s.file = f
		}
	}

	min := new(slog.LevelVar)
	min.Set(opts.Level)
	return &Handler{out: s, min: min}, openErr
}

// Setup builds a Handler from opts and installs it as the slog default.
// Returns the handler so the caller can Close it at shutdown.
func Setup(opts Options) (*Handler, error) {
	h, err := NewHandler(opts)
	slog.SetDefault(slog.New(h))
	return h, err
}

// SetLevel changes the minimum emitted level at runtime. Applied on reload
// when the configured log level changed.
func (h *Handler) SetLevel(level slog.Level) {
	h.min.Set(level)
}

// Close releases the file sink. Safe to call more than once.
func (h *Handler) Close() error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	if h.out.file == nil {
		return nil
	}
	err := h.out.file.Close()
	h.out.file = nil
	return err
}

// Enabled reports whether a record at the given level would be emitted.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min.Level()
}

// Handle formats the record and writes it to every enabled sink.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(" [")
	b.WriteString(levelTag(r.Level))
	b.WriteString("] ")
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		appendAttr(&b, h.prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	line := b.String()

	h.out.mu.Lock()
	defer h.out.mu.Unlock()

	if h.out.file != nil {
		if _, err := h.out.file.WriteString(line); err != nil {
			// Quarantine the file sink; keep serving the console sink.
			h.out.file.Close()
			h.out.file = nil
			h.out.fileBroken = true
			if h.out.console != nil {
				fmt.Fprintf(h.out.console, "%s [ERROR] log file sink disabled: %v\n",
					time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), err)
			}
		}
	}
	if h.out.console != nil {
		if _, err := io.WriteString(h.out.console, line); err != nil {
			return err
		}
	}
	return nil
}

// WithAttrs returns a handler that includes attrs on every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup returns a handler that prefixes subsequent attr keys.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// appendAttr writes one ` key=value` pair, quoting values that would
// break the one-line format.
func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			appendAttr(b, prefix+a.Key+".", ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	s := v.String()
	if strings.ContainsAny(s, " \t\n\"=") {
		b.WriteString(fmt.Sprintf("%q", s))
	} else {
		b.WriteString(s)
	}
}
