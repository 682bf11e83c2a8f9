package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone masks a phone number, keeping the leading country-code digit
// and the last two digits. "+15551234567" → "+1*******67". Values too short
// to be a phone number are fully masked.
func RedactPhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	if len(trimmed) < 7 {
		return "***"
	}
	prefix := ""
	digits := trimmed
	if strings.HasPrefix(trimmed, "+") && len(trimmed) > 2 {
		prefix = trimmed[:2]
		digits = trimmed[2:]
	}
	if len(digits) <= 2 {
		return prefix + "***"
	}
	return prefix + strings.Repeat("*", len(digits)-2) + digits[len(digits)-2:]
}
