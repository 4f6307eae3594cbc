package outbox

import (
	"regexp"
	"strings"
)

// maxDetailsLength bounds the free-form details column.
const maxDetailsLength = 512

const detailsTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type sensitiveDataPattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var sensitiveDataPatterns = []sensitiveDataPattern{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`\b(sk|rk|pk|whsec)_(live|test)_[A-Za-z0-9]+\b`),
		replacement: redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		replacement: redactedValue,
	},
}

var longNumericTokenPattern = regexp.MustCompile(`\b\d{12,19}\b`)

func detailsFromError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeDetails(err.Error())
}

// SanitizeDetails redacts secrets and card numbers and bounds the length of a
// string before it is stored in the details column.
func SanitizeDetails(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range sensitiveDataPatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	redacted = longNumericTokenPattern.ReplaceAllStringFunc(redacted, func(candidate string) string {
		if !passesLuhn(candidate) {
			return candidate
		}

		return redactedValue
	})

	return truncateDetails(redacted)
}

func passesLuhn(number string) bool {
	sum := 0
	shouldDouble := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if shouldDouble {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		shouldDouble = !shouldDouble
	}

	return sum%10 == 0
}

func truncateDetails(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxDetailsLength {
		return msg
	}

	suffix := []rune(detailsTruncatedSuffix)

	return string(runes[:maxDetailsLength-len(suffix)]) + detailsTruncatedSuffix
}
