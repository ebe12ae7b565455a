// Package logger provides zap-based structured logging propagated through
// context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const loggerKey contextKey = "logger"

// WithLogger stores an existing logger instance in the context.
func WithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, log)
}

// GetLogger retrieves the logger from the context. Never returns nil.
func GetLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return NewProductionLogger()
	}
	if log, ok := ctx.Value(loggerKey).(*zap.Logger); ok && log != nil {
		return log
	}
	return NewProductionLogger()
}

// WithFields returns a context carrying a sub-logger with additional fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	log := GetLogger(ctx).With(fields...)
	return context.WithValue(ctx, loggerKey, log)
}

// WithComponent tags the context logger with a "component" field.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithFields(ctx, zap.String("component", component))
}

// NewProductionLogger returns an INFO+ JSON logger writing to stdout.
func NewProductionLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// NewLogger builds the controller's top-level logger from the CLI's
// verbosity count (0 = info, 1 = debug, 2+ = debug with stacktraces on
// warn) and the --logfile flag's value
// (FILE|syslog[:addr]|journald|default). "default" (or empty) logs JSON to
// stdout only; a bare path adds a file sink alongside stdout; "syslog" or
// "syslog:addr" dials the local or remote syslog daemon (stdlib
// log/syslog); "journald" writes structured entries straight to the
// systemd journal via go-systemd/v22/journal.
func NewLogger(verbosity int, logfile string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if verbosity >= 1 {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	// stdout is unbuffered, so its Sync is a no-op (fsync on a pipe or
	// terminal fails with EINVAL).
	stdout := zapcore.AddSync(struct{ io.Writer }{os.Stdout})
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(stdout), level)}

	switch {
	case logfile == "" || logfile == "default":
		// stdout only
	case logfile == "syslog" || hasPrefix(logfile, "syslog:"):
		w, err := dialSyslog(logfile)
		if err != nil {
			return nil, fmt.Errorf("connecting to syslog: %w", err)
		}
		cores = append(cores, newSyslogCore(level, encoder, w))
	case logfile == "journald":
		if !journal.Enabled() {
			return nil, fmt.Errorf("journald logging requested but no journal socket is available")
		}
		cores = append(cores, newJournaldCore(level))
	default:
		sink, _, err := zap.Open(logfile)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", logfile, err)
		}
		cores = append(cores, zapcore.NewCore(encoder, sink, level))
	}

	stacktraceLevel := zapcore.ErrorLevel
	if verbosity >= 2 {
		stacktraceLevel = zapcore.WarnLevel
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(stacktraceLevel)), nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// dialSyslog opens a connection to the local syslog daemon ("syslog") or a
// remote one over UDP ("syslog:host:port"), matching the --logfile flag's
// syslog[:addr] syntax.
func dialSyslog(logfile string) (*syslog.Writer, error) {
	const tag = "fleetd"
	priority := syslog.LOG_USER | syslog.LOG_INFO
	if logfile == "syslog" {
		return syslog.New(priority, tag)
	}
	addr := strings.TrimPrefix(logfile, "syslog:")
	return syslog.Dial("udp", addr, priority, tag)
}

// syslogCore is a zapcore.Core that renders each entry with the JSON
// encoder and dispatches it to the syslog daemon at the matching severity,
// so "warn"/"error" entries carry real syslog priority rather than being
// flattened to a single level.
type syslogCore struct {
	zapcore.LevelEnabler
	enc    zapcore.Encoder
	w      *syslog.Writer
	fields []zapcore.Field
}

func newSyslogCore(level zapcore.LevelEnabler, enc zapcore.Encoder, w *syslog.Writer) zapcore.Core {
	return &syslogCore{LevelEnabler: level, enc: enc, w: w}
}

func (c *syslogCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *syslogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *syslogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, append(c.fields, fields...))
	if err != nil {
		return err
	}
	line := strings.TrimSuffix(buf.String(), "\n")
	buf.Free()

	switch ent.Level {
	case zapcore.DebugLevel:
		return c.w.Debug(line)
	case zapcore.InfoLevel:
		return c.w.Info(line)
	case zapcore.WarnLevel:
		return c.w.Warning(line)
	case zapcore.ErrorLevel:
		return c.w.Err(line)
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return c.w.Crit(line)
	case zapcore.FatalLevel:
		return c.w.Emerg(line)
	default:
		return c.w.Notice(line)
	}
}

func (c *syslogCore) Sync() error { return nil }

// journaldCore writes structured entries straight to the systemd journal,
// preserving fields as journal metadata instead of flattening them into a
// single encoded message.
type journaldCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
}

func newJournaldCore(level zapcore.LevelEnabler) zapcore.Core {
	return &journaldCore{LevelEnabler: level}
}

func (c *journaldCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *journaldCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *journaldCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range append(c.fields, fields...) {
		f.AddTo(enc)
	}
	vars := make(map[string]string, len(enc.Fields)+1)
	vars["SYSLOG_IDENTIFIER"] = "fleetd"
	for k, v := range enc.Fields {
		vars[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return journal.Send(ent.Message, journaldPriority(ent.Level), vars)
}

func (c *journaldCore) Sync() error { return nil }

func journaldPriority(lvl zapcore.Level) journal.Priority {
	switch lvl {
	case zapcore.DebugLevel:
		return journal.PriDebug
	case zapcore.InfoLevel:
		return journal.PriInfo
	case zapcore.WarnLevel:
		return journal.PriWarning
	case zapcore.ErrorLevel:
		return journal.PriErr
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		return journal.PriCrit
	case zapcore.FatalLevel:
		return journal.PriEmerg
	default:
		return journal.PriNotice
	}
}
