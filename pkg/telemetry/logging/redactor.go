package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// Redactor masks PII in log attributes. Context data from grant applications
// and reports reaches the logs through templated action messages, so values
// are scanned as well as keys.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// sensitiveKeys are attribute keys whose values are always masked.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token",
	"api_key", "apikey", "authorization",
	"ssn", "iban", "account_number",
}

// NewRedactor creates a Redactor with the built-in patterns.
func NewRedactor() *Redactor {
	defs := []struct {
		regex       string
		replacement string
	}{
		// Email addresses keep the domain
		{`[a-zA-Z0-9._%+-]+@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`, "***@$1"},
		// IBANs
		{`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`, "****IBAN****"},
		// International phone numbers
		{`\+\d{1,3}[\s.-]?\(?\d{2,4}\)?[\s.-]?\d{3,4}[\s.-]?\d{3,4}`, "+** *** ****"},
		// Bearer tokens
		{`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`, "Bearer ***"},
	}

	r := &Redactor{}
	for _, d := range defs {
		r.patterns = append(r.patterns, redactPattern{
			regex:       regexp.MustCompile(d.regex),
			replacement: d.replacement,
		})
	}
	return r
}

// RedactString masks every pattern match in value.
func (r *Redactor) RedactString(value string) string {
	if value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, "***")
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, r.RedactString(a.Value.String()))
	}
	return a
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
