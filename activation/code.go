package activation

import "regexp"

var codePattern = regexp.MustCompile(`\b(\d{4,8})\b`)

// ExtractCode pulls the first verification code out of an SMS body. Most
// upstream providers deliver plain digit codes of four to eight characters.
// Returns an empty string when nothing matches.
func ExtractCode(content string) string {
	m := codePattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}
