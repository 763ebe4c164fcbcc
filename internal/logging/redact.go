package logging

import (
	"log/slog"
	"strings"
)

// MaskedValue replaces redacted values.
const MaskedValue = "[REDACTED]"

// secretFields are attribute keys whose values are never logged.
var secretFields = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credentials",
	"dsn",
	"sasl",
}

// IsSensitiveField reports whether an attribute key names a secret.
func IsSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range secretFields {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// MaskEmail keeps the first and last character of the local part.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.Index(email, "@")
	if at <= 0 {
		return MaskedValue
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return MaskedValue + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits == 0 {
		return phone
	}
	if digits <= 4 {
		return MaskedValue
	}

	var b strings.Builder
	seen := 0
	for _, r := range phone {
		if r < '0' || r > '9' {
			b.WriteRune(r)
			continue
		}
		seen++
		if seen > digits-4 {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}

// MaskAPIKey shows the first and last four characters of long keys.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// redactAttr masks secrets and account contact details in log records.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	key := strings.ToLower(a.Key)
	switch {
	case IsSensitiveField(key):
		if a.Value.String() == "" {
			return a
		}
		return slog.String(a.Key, MaskedValue)
	case key == "email" || strings.HasSuffix(key, "_email"):
		return slog.String(a.Key, MaskEmail(a.Value.String()))
	case key == "phone" || strings.HasSuffix(key, "_phone"):
		return slog.String(a.Key, MaskPhone(a.Value.String()))
	}
	return a
}
