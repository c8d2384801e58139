package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// publicKeys name command and event attributes that never carry fiat
// account data or credentials.
var publicKeys = map[string]struct{}{
	"a": {}, "b": {}, "c": {},
	"action":    {},
	"address":   {},
	"admin":     {},
	"amount":    {},
	"asset":     {},
	"customer":  {},
	"dealer":    {},
	"dealerbuy": {},
	"dealid":    {},
	"depositor": {},
	"method":    {},
	"postid":    {},
	"reason":    {},
	"state":     {},
}

// IsPublic reports whether values under key may be logged verbatim.
func IsPublic(key string) bool {
	_, ok := publicKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Redact returns value, or RedactedValue when key is not public. Empty values
// are kept so missing fields stay visible.
func Redact(key, value string) string {
	if strings.TrimSpace(value) == "" || IsPublic(key) {
		return value
	}
	return RedactedValue
}

// Details renders a command's detail map as a sorted slog group, redacting
// every key that is not public.
func Details(details map[string]string) slog.Attr {
	keys := make([]string, 0, len(details))
	for key := range details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, slog.String(key, Redact(key, details[key])))
	}
	return slog.Group("details", attrs...)
}

// MaskPaymentDetail keeps the last four characters of an account detail so
// operators can match support requests without storing the full number.
func MaskPaymentDetail(detail string) string {
	runes := []rune(strings.TrimSpace(detail))
	switch {
	case len(runes) == 0:
		return ""
	case len(runes) <= 4:
		return RedactedValue
	default:
		return RedactedValue + string(runes[len(runes)-4:])
	}
}
