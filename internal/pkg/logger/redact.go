package logger

import "strings"

// RedactEmail masks the local part of an address: "john.doe@example.com"
// becomes "jo***@example.com". Local parts of two characters or fewer are
// masked entirely.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
