package logger

import (
	"net/url"
	"regexp"
	"strings"
)

// redactedValue replaces anything that looks like a credential.
const redactedValue = "[REDACTED]"

// SensitiveDataPatterns match credentials that can end up in log messages.
var SensitiveDataPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9-._~+/]+=*)`),
	regexp.MustCompile(`(?i)((api|access|auth|token|secret|key|passw(or)?d)[0-9a-z\-_\.]*[\s:=]+)([^;,\s&]{5,})`),
	regexp.MustCompile(`(?i)((?:session|sid|csrf)=)([^;,\s&]{5,})`),
}

// sensitiveParams are query parameter names whose values are never logged.
// Image CDNs commonly sign URLs with one of these.
var sensitiveParams = []string{
	"token", "key", "signature", "sig", "secret", "auth", "access_token",
	"x-amz-signature", "x-amz-credential", "x-goog-signature", "expires",
}

// RedactSensitiveData replaces credential-looking substrings with [REDACTED].
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	for _, pattern := range SensitiveDataPatterns {
		input = pattern.ReplaceAllString(input, "${1}"+redactedValue)
	}
	return input
}

// RedactURL strips user info and signed query parameters from raw. Values
// that do not parse as an absolute URL are returned unchanged, which keeps
// vault paths readable in logs.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	if u.User != nil {
		u.User = url.User(redactedValue)
	}

	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for name := range q {
			if isSensitiveParam(name) {
				q.Set(name, redactedValue)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}

	return u.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sensitiveParams {
		if lower == p {
			return true
		}
	}
	return false
}
