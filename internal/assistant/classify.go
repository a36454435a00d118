package assistant

import "regexp"

// dangerousPatterns matches shell invocations that can destroy data or take
// the host down. The classifier is deliberately coarse: a match only adds a
// warning and lowers confidence, it never blocks the command.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-rf|-fr|-r\s+-f|-f\s+-r)\s+/\s*(\*)?\s*$`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bfdisk\b`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\bkill\s+(-9\s+)?1\s*$`),
	regexp.MustCompile(`\bpkill\s+-f\b`),
	regexp.MustCompile(`\bkillall\b`),
	regexp.MustCompile(`>\s*/dev/[sh]d[a-z]`),
}

// IsDangerous reports whether the command matches any high-risk pattern.
func IsDangerous(command string) bool {
	for _, re := range dangerousPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
