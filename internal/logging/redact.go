package logging

import (
	"log/slog"
	"regexp"
)

var (
	authQueryPattern = regexp.MustCompile(`(?i)(authorization=)[^&\s"]+`)
	bearerPattern    = regexp.MustCompile(`(?i)(bearer[ +])[A-Za-z0-9\-._~+/]+=*`)
	jwtPattern       = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`)
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// RedactSecrets masks bearer tokens, JWTs and email addresses before text
// leaves the process.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	// Query form first so the whole "Bearer+<token>" value goes at once.
	next := authQueryPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = jwtPattern.ReplaceAllString(out, "[REDACTED_JWT]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}

func redactValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s, _ := RedactSecrets(v.String())
		return s
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s, _ := RedactSecrets(err.Error())
			return s
		}
	}
	return v.Any()
}
