package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	// timezone names must resolve on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/spf13/afero"
)

const (
	defaultAttrCapacity = 8
	floatPrecision      = 1000.0
)

type loggerContextKey struct{ name string }

// TraceIDKey is the context key read by WithContext.
var TraceIDKey = loggerContextKey{"trace_id"}

// WithTraceID returns a context carrying traceID for log correlation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

var attrPool = sync.Pool{
	New: func() any {
		s := make([]slog.Attr, 0, defaultAttrCapacity)
		return &s
	},
}

// CentralLogger owns the log outputs and hands out module loggers.
type CentralLogger struct {
	config        *LoggingConfig
	fs            afero.Fs
	console       io.Writer
	timezone      *time.Location
	baseHandler   slog.Handler
	mainWriter    *BufferedFileWriter
	moduleWriters map[string]*BufferedFileWriter
	moduleLevels  map[string]slog.Level
	mu            sync.RWMutex
}

// CentralOption configures a CentralLogger.
type CentralOption func(*CentralLogger)

// WithConsoleWriter redirects console output, stderr by default.
func WithConsoleWriter(w io.Writer) CentralOption {
	return func(cl *CentralLogger) {
		if w != nil {
			cl.console = w
		}
	}
}

// WithFileSystem opens log files on fs.
func WithFileSystem(fs afero.Fs) CentralOption {
	return func(cl *CentralLogger) {
		if fs != nil {
			cl.fs = fs
		}
	}
}

// NewCentralLogger builds the configured handlers and opens log files.
func NewCentralLogger(cfg *LoggingConfig, opts ...CentralOption) (*CentralLogger, error) {
	if cfg == nil {
		return nil, errors.New("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{
		config:        cfg,
		fs:            afero.NewOsFs(),
		console:       os.Stderr,
		timezone:      tz,
		moduleWriters: make(map[string]*BufferedFileWriter),
		moduleLevels:  make(map[string]slog.Level),
	}
	for _, opt := range opts {
		opt(cl)
	}

	for module, level := range cfg.ModuleLevels {
		cl.moduleLevels[module] = parseLogLevel(level)
	}

	if err := cl.createBaseHandler(); err != nil {
		return nil, fmt.Errorf("failed to create base handler: %w", err)
	}

	for module, out := range cfg.ModuleOutputs {
		if !out.Enabled {
			continue
		}
		writer, err := cl.openWriter(out.FilePath)
		if err != nil {
			_ = cl.closeAllWriters()
			return nil, fmt.Errorf("failed to create log writer for module %s: %w", module, err)
		}
		cl.moduleWriters[module] = writer
	}

	return cl, nil
}

func loadTimezone(name string) (*time.Location, error) {
	switch name {
	case "", "Local":
		return time.Local, nil
	default:
		tz, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", name, err)
		}
		return tz, nil
	}
}

func (cl *CentralLogger) openWriter(path string) (*BufferedFileWriter, error) {
	if dir := filepath.Dir(path); dir != "." && dir != path {
		if err := cl.fs.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return NewBufferedFileWriter(path, WithFs(cl.fs))
}

func (cl *CentralLogger) createBaseHandler() error {
	var handlers []slog.Handler

	if cl.config.Console != nil && cl.config.Console.Enabled {
		handlers = append(handlers, newTextHandler(cl.console, parseLogLevel(cl.config.Console.Level), cl.timezone))
	}

	if cl.config.FileOutput != nil && cl.config.FileOutput.Enabled {
		writer, err := cl.openWriter(cl.config.FileOutput.Path)
		if err != nil {
			return err
		}
		cl.mainWriter = writer
		handlers = append(handlers, slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level: parseLogLevel(cl.config.FileOutput.Level),
		}))
	}

	if len(handlers) == 0 {
		handlers = append(handlers, newTextHandler(cl.console, parseLogLevel(cl.config.DefaultLevel), cl.timezone))
	}

	cl.baseHandler = newFanoutHandler(handlers...)
	return nil
}

// Module returns the logger for a top level component.
func (cl *CentralLogger) Module(name string) Logger {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	level := parseLogLevel(cl.config.DefaultLevel)
	if l, ok := cl.moduleLevels[name]; ok {
		level = l
	}

	handler := cl.baseHandler
	if out, ok := cl.config.ModuleOutputs[name]; ok && out.Enabled {
		if out.Level != "" {
			level = parseLogLevel(out.Level)
		}
		var handlers []slog.Handler
		if w, ok := cl.moduleWriters[name]; ok {
			handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
		}
		if out.ConsoleAlso && cl.config.Console != nil && cl.config.Console.Enabled {
			handlers = append(handlers, newTextHandler(cl.console, level, cl.timezone))
		}
		if len(handlers) > 0 {
			handler = newFanoutHandler(handlers...)
		}
	}

	return &moduleLogger{module: name, logger: slog.New(handler), level: level}
}

// Close flushes and closes every log file.
func (cl *CentralLogger) Close() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.closeAllWriters()
}

func (cl *CentralLogger) closeAllWriters() error {
	var errs []error
	if cl.mainWriter != nil {
		if err := cl.mainWriter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close main log writer: %w", err))
		}
		cl.mainWriter = nil
	}
	for module, w := range cl.moduleWriters {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log writer for module %s: %w", module, err))
		}
	}
	cl.moduleWriters = nil
	return errors.Join(errs...)
}

// Flush pushes buffered file output to the OS.
func (cl *CentralLogger) Flush() error {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var errs []error
	if cl.mainWriter != nil {
		errs = append(errs, cl.mainWriter.Flush())
	}
	for _, w := range cl.moduleWriters {
		errs = append(errs, w.Flush())
	}
	return errors.Join(errs...)
}

// NewSlogLogger wraps an arbitrary slog handler as a Logger.
func NewSlogLogger(handler slog.Handler, level LogLevel) Logger {
	return &moduleLogger{logger: slog.New(handler), level: parseSlogLevel(level)}
}

// NewConsoleLogger writes text records to w.
func NewConsoleLogger(w io.Writer, level LogLevel) Logger {
	l := parseSlogLevel(level)
	return &moduleLogger{logger: slog.New(newTextHandler(w, l, time.Local)), level: l}
}

// NewNopLogger discards everything.
func NewNopLogger() Logger {
	return &moduleLogger{logger: slog.New(slog.DiscardHandler), level: slog.LevelError + 1}
}

type moduleLogger struct {
	module string
	logger *slog.Logger
	level  slog.Level
	fields []Field
}

func (m *moduleLogger) Module(name string) Logger {
	module := name
	if m.module != "" {
		module = m.module + "." + name
	}
	return &moduleLogger{
		module: module,
		logger: m.logger,
		level:  m.level,
		fields: slices.Clone(m.fields),
	}
}

func (m *moduleLogger) Trace(msg string, fields ...Field) {
	if m.level > traceLevel {
		return
	}
	m.log(traceLevel, msg, fields...)
}

func (m *moduleLogger) Debug(msg string, fields ...Field) {
	if m.level > slog.LevelDebug {
		return
	}
	m.log(slog.LevelDebug, msg, fields...)
}

func (m *moduleLogger) Info(msg string, fields ...Field) {
	if m.level > slog.LevelInfo {
		return
	}
	m.log(slog.LevelInfo, msg, fields...)
}

func (m *moduleLogger) Warn(msg string, fields ...Field) {
	if m.level > slog.LevelWarn {
		return
	}
	m.log(slog.LevelWarn, msg, fields...)
}

func (m *moduleLogger) Error(msg string, fields ...Field) {
	if m.level > slog.LevelError {
		return
	}
	m.log(slog.LevelError, msg, fields...)
}

func (m *moduleLogger) Log(level LogLevel, msg string, fields ...Field) {
	l := parseSlogLevel(level)
	if m.level > l {
		return
	}
	m.log(l, msg, fields...)
}

func (m *moduleLogger) With(fields ...Field) Logger {
	return &moduleLogger{
		module: m.module,
		logger: m.logger,
		level:  m.level,
		fields: slices.Concat(m.fields, fields),
	}
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return m
	}
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok || traceID == "" {
		return m
	}
	return m.With(String(traceIDKey, traceID))
}

func (m *moduleLogger) Flush() error {
	return nil
}

func (m *moduleLogger) log(level slog.Level, msg string, fields ...Field) {
	ptr, _ := attrPool.Get().(*[]slog.Attr)
	if ptr == nil {
		s := make([]slog.Attr, 0, defaultAttrCapacity)
		ptr = &s
	}
	attrs := (*ptr)[:0]

	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for i := range m.fields {
		attrs = append(attrs, fieldToAttr(m.fields[i]))
	}
	for i := range fields {
		attrs = append(attrs, fieldToAttr(fields[i]))
	}

	m.logger.LogAttrs(context.Background(), level, msg, attrs...)

	*ptr = attrs[:0]
	attrPool.Put(ptr)
}

func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float64:
		return slog.Float64(f.Key, math.Round(v*floatPrecision)/floatPrecision)
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		return slog.String(f.Key, v.Round(time.Millisecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
