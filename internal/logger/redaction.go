package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor scrubs credentials from log lines.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor for the credentials this service handles.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// Responder API keys
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), redacted},

			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), redacted},

			// Telegram bot tokens, also inside api.telegram.org/bot<token>/ URLs
			{regexp.MustCompile(`\d{6,12}:[a-zA-Z0-9_-]{30,}`), redacted},

			// Credentials in redis:// and similar URLs
			{regexp.MustCompile(`(://[^:/@\s]*:)[^@\s]+@`), "${1}" + redacted + "@"},

			// Key/value secrets in JSON or plain text
			{regexp.MustCompile(`(?i)(password|secret|api_key|bot_token)("?\s*[:=]\s*"?)[^\s",}]+`), "${1}${2}" + redacted},
		},
	}
}

// AddPattern adds a custom redaction pattern. The whole match is replaced.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact replaces sensitive substrings of s.
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers track their own bytes.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
