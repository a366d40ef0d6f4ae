// Package errors provides categorized errors with structured context for the
// image pipeline. It is a drop-in replacement for the standard errors package.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorCategory groups errors for logging and metrics.
type ErrorCategory string

// CategorizedError lets an error type declare its own category.
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	CategoryImageFetch    ErrorCategory = "image-fetch"
	CategoryImageCache    ErrorCategory = "image-cache"
	CategoryImageDecode   ErrorCategory = "image-decode"
	CategoryNetwork       ErrorCategory = "network"
	CategoryHTTP          ErrorCategory = "http-request"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryFileParsing   ErrorCategory = "file-parsing"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryDiskUsage     ErrorCategory = "disk-usage"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryState         ErrorCategory = "state"
	CategoryLimit         ErrorCategory = "limit"
	CategoryResource      ErrorCategory = "resource"
	CategoryJobQueue      ErrorCategory = "job-queue"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryCancellation  ErrorCategory = "cancellation"
	CategoryRetry         ErrorCategory = "retry"
	CategoryGeneric       ErrorCategory = "generic"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

// modulePath is skipped while walking the stack for component detection.
const modulePath = "github.com/tphakala/imagewall/internal/errors"

// EnhancedError wraps an error with component, category and context.
type EnhancedError struct {
	Err       error
	component string
	Category  ErrorCategory
	Priority  string
	Context   map[string]any
	Timestamp time.Time
	mu        sync.RWMutex
}

func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError by category, otherwise defers to the
// wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// ErrorCategory implements CategorizedError so wrapping keeps the category.
func (ee *EnhancedError) ErrorCategory() ErrorCategory {
	return ee.Category
}

// GetComponent returns the component that produced the error.
func (ee *EnhancedError) GetComponent() string {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.component
}

// GetContext returns a copy of the context map.
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

// ErrorBuilder builds an EnhancedError fluently.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts building an enhanced error around err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts building an enhanced error from a format string.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority overrides the default priority. Unknown values become medium.
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	case "":
	default:
		eb.priority = PriorityMedium
	}
	return eb
}

func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// NetworkContext records the kind of endpoint and the timeout in effect.
// The URL itself is not stored; image URLs often carry signatures.
func (eb *ErrorBuilder) NetworkContext(url string, timeout time.Duration) *ErrorBuilder {
	if url != "" {
		eb.Context("url_category", categorizeURL(url))
	}
	if timeout > 0 {
		eb.Context("timeout_seconds", timeout.Seconds())
	}
	return eb
}

// FileContext records the extension and a size bucket of a file.
func (eb *ErrorBuilder) FileContext(path string, size int64) *ErrorBuilder {
	if path != "" {
		eb.Context("file_extension", fileExtension(path))
	}
	if size > 0 {
		eb.Context("file_size_category", categorizeFileSize(size))
	}
	return eb
}

// Timing records the operation name and how long it ran.
func (eb *ErrorBuilder) Timing(operation string, d time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	eb.Context("duration_ms", d.Milliseconds())
	return eb
}

// Build creates the error and runs registered hooks.
func (eb *ErrorBuilder) Build() *EnhancedError {
	hooks := currentHooks()

	if eb.component == "" {
		if len(hooks) > 0 {
			eb.component = detectComponent()
		} else {
			eb.component = ComponentUnknown
		}
	}
	if eb.category == "" {
		eb.category = detectCategory(eb.err)
	}

	ee := &EnhancedError{
		Err:       eb.err,
		component: eb.component,
		Category:  eb.category,
		Priority:  eb.priority,
		Context:   eb.context,
		Timestamp: time.Now(),
	}

	for _, hook := range hooks {
		hook(ee)
	}
	return ee
}

// ErrorHook observes every built error; metrics count errors by category
// through one.
type ErrorHook func(*EnhancedError)

var (
	hooksMu sync.RWMutex
	hooks   []ErrorHook
)

// AddErrorHook registers hook for all subsequently built errors.
func AddErrorHook(hook ErrorHook) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks = append(hooks, hook)
}

// ClearErrorHooks removes every registered hook.
func ClearErrorHooks() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	hooks = nil
}

func currentHooks() []ErrorHook {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return hooks
}

// detectComponent walks the stack and names the first package outside this
// one, e.g. "imagecache" or "transport".
func detectComponent() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.Contains(frame.Function, modulePath) {
			return packageName(frame.Function)
		}
		if !more {
			return ComponentUnknown
		}
	}
}

func packageName(funcName string) string {
	last := funcName
	if i := strings.LastIndex(funcName, "/"); i >= 0 {
		last = funcName[i+1:]
	}
	if i := strings.Index(last, "."); i > 0 {
		return last[:i]
	}
	return ComponentUnknown
}

func detectCategory(err error) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	var catErr CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.ErrorCategory()
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout"):
		return CategoryTimeout
	case strings.Contains(msg, "context canceled"):
		return CategoryCancellation
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host"):
		return CategoryNetwork
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "file does not exist"):
		return CategoryFileIO
	case strings.Contains(msg, "invalid"):
		return CategoryValidation
	}
	return CategoryGeneric
}

func categorizeURL(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return "https-endpoint"
	case strings.HasPrefix(lower, "http://"):
		return "http-endpoint"
	case strings.HasPrefix(lower, "data:"):
		return "data-uri"
	case strings.HasPrefix(lower, "blob:"):
		return "transient-handle"
	default:
		return "vault-path"
	}
}

func fileExtension(path string) string {
	if i := strings.LastIndex(path, "."); i > 0 && i < len(path)-1 {
		return strings.ToLower(path[i+1:])
	}
	return "none"
}

func categorizeFileSize(size int64) string {
	switch {
	case size < 1024:
		return "tiny"
	case size < 1024*1024:
		return "small"
	case size < 10*1024*1024:
		return "medium"
	case size < 100*1024*1024:
		return "large"
	default:
		return "very-large"
	}
}

// Wrap is an alias of New for readability at call sites.
func Wrap(err error) *ErrorBuilder {
	return New(err)
}

// FileError builds a file I/O error.
func FileError(err error, path string, size int64) *EnhancedError {
	return New(err).Category(CategoryFileIO).FileContext(path, size).Build()
}

// NetworkError builds a network error.
func NetworkError(err error, url string, timeout time.Duration) *EnhancedError {
	return New(err).Category(CategoryNetwork).NetworkContext(url, timeout).Build()
}

// ValidationError builds a validation error from a message.
func ValidationError(message string) *EnhancedError {
	return New(stderrors.New(message)).Category(CategoryValidation).Build()
}

// NewStd is errors.New from the standard library.
func NewStd(text string) error {
	return stderrors.New(text)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}

func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory reports whether err carries category anywhere in its chain.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	return As(err, &ee) && ee.Category == category
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
