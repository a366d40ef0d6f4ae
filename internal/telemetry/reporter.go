// Package telemetry sends opt-in error reports to a Sentry compatible
// endpoint. Reports carry the error component, category and a scrubbed
// message; image URLs are reduced to their host and note paths are never
// attached.
package telemetry

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/imagewall/internal/errors"
	"github.com/tphakala/imagewall/internal/logger"
)

// DefaultDedupWindow suppresses repeats of the same report.
const DefaultDedupWindow = 10 * time.Minute

// Config configures a Reporter.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
	DedupWindow time.Duration
	// Transport replaces the HTTP transport, tests capture events with it.
	Transport sentry.Transport
}

// Reporter captures errors on its own hub so nothing leaks into the global
// Sentry state.
type Reporter struct {
	hub  *sentry.Hub
	seen *cache.Cache
	log  logger.Logger
}

// quiet categories are expected during normal use: dead links, offline
// hosts and user input.
var quiet = map[errors.ErrorCategory]bool{
	errors.CategoryImageFetch:   true,
	errors.CategoryImageDecode:  true,
	errors.CategoryNetwork:      true,
	errors.CategoryHTTP:         true,
	errors.CategoryNotFound:     true,
	errors.CategoryValidation:   true,
	errors.CategoryTimeout:      true,
	errors.CategoryCancellation: true,
	errors.CategoryRetry:        true,
}

// New creates a reporter.
func New(cfg Config, log logger.Logger) (*Reporter, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: false,
		ServerName:       "",
		Transport:        cfg.Transport,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	return &Reporter{
		hub:  sentry.NewHub(client, sentry.NewScope()),
		seen: cache.New(window, 0),
		log:  log,
	}, nil
}

// Hook returns an error hook that reports every unexpected error.
func (r *Reporter) Hook() errors.ErrorHook {
	return func(ee *errors.EnhancedError) {
		if quiet[ee.Category] {
			return
		}
		r.Capture(ee.Err, ee.GetComponent(), ee.Category)
	}
}

// Capture reports err unless the same report was sent within the dedup
// window. It returns whether an event was sent.
func (r *Reporter) Capture(err error, component string, category errors.ErrorCategory) bool {
	if err == nil {
		return false
	}
	msg := ScrubMessage(err.Error())
	key := component + "|" + string(category) + "|" + msg
	if r.seen.Add(key, struct{}{}, cache.DefaultExpiration) != nil {
		return false
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("category", string(category))
		scope.SetFingerprint([]string{component, string(category), msg})

		event := sentry.NewEvent()
		event.Level = sentry.LevelError
		event.Message = msg
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%s %s error", component, category),
			Value: msg,
		}}
		r.hub.CaptureEvent(event)
	})

	r.log.Debug("error report sent",
		logger.String("component", component),
		logger.String("category", string(category)))
	return true
}

// Flush waits up to timeout for queued events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

var urlPattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s"'<>]+`)

// ScrubMessage reduces URLs to scheme and host and redacts credentials.
func ScrubMessage(msg string) string {
	msg = urlPattern.ReplaceAllStringFunc(msg, func(match string) string {
		raw := strings.TrimRight(match, ".,;:)")
		tail := match[len(raw):]
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "[url]" + tail
		}
		return u.Scheme + "://" + u.Host + "/[path]" + tail
	})
	return logger.RedactSensitiveData(msg)
}

// scrubEvent drops everything that could identify the user or their notes.
func scrubEvent(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil
	event.Extra = nil
	event.Breadcrumbs = nil
	for _, name := range []string{"device", "os", "culture"} {
		delete(event.Contexts, name)
	}
	return event
}
