package camera

import (
	"net/url"
	"regexp"
)

var (
	hostPattern = regexp.MustCompile(`@([^:/]+)[:/]`)
	credPattern = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*://)[^@/]+@`)
)

const maskedCredentials = "*****"

// ExtractHost returns the host part of a source URL, or "" if none is found.
func ExtractHost(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	if m := hostPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

// MaskCredentials replaces any user info in a source URL so it can be logged.
func MaskCredentials(raw string) string {
	return credPattern.ReplaceAllString(raw, "${1}"+maskedCredentials+"@")
}
