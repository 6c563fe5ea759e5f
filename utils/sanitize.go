package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"basement/config"
)

// maxRepeatedRun is the longest run of one character a post may contain.
const maxRepeatedRun = 10

var (
	htmlEscaper = strings.NewReplacer(
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
		"/", "&#x2F;",
	)
	htmlUnescaper = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#x27;", "'",
		"&#x2F;", "/",
	)

	filenameRegex = regexp.MustCompile(`[^A-Za-z0-9._-]`)

	suspiciousPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)viagra`),
		regexp.MustCompile(`(?i)cialis`),
		regexp.MustCompile(`(?i)crypto.*trading.*bot`),
		regexp.MustCompile(`(?i)click.*here.*now`),
		regexp.MustCompile(`https?://\S{50,}`),
	}
)

// SanitizeBody trims, truncates to maxLen characters and escapes the reserved
// HTML characters. Entities it produces are folded back before escaping, so
// sanitizing twice gives the same result as sanitizing once.
func SanitizeBody(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = config.MaxBodyLen
	}
	plain := htmlUnescaper.Replace(strings.TrimSpace(text))
	plain = strings.TrimSpace(truncateRunes(plain, maxLen))
	return htmlEscaper.Replace(plain)
}

// SanitizeSubject applies body sanitization with the subject length limit.
// The boolean is false when nothing is left to show.
func SanitizeSubject(text string) (string, bool) {
	s := SanitizeBody(text, config.MaxSubjectLen)
	if s == "" {
		return "", false
	}
	return s, true
}

// SanitizeFilename reduces an uploaded file name to a safe, flat name.
func SanitizeFilename(name string) string {
	s := filenameRegex.ReplaceAllString(name, "")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "")
	}
	s = truncateRunes(s, config.MaxFilenameLen)
	if s == "" {
		return "unnamed"
	}
	return s
}

// IsSuspicious runs the spam heuristics over raw, unescaped text.
func IsSuspicious(text string) bool {
	for _, re := range suspiciousPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return hasLongRun(text, maxRepeatedRun)
}

// hasLongRun reports whether any character other than a line break repeats more than limit times in a row.
func hasLongRun(text string, limit int) bool {
	var prev rune = -1
	run := 0
	for _, r := range text {
		if r == prev && r != '\n' && r != '\r' {
			run++
		} else {
			prev, run = r, 1
		}
		if run > limit {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
