package util

import "time"

// humanTimeLayout is used in alert bodies and the version banner.
const humanTimeLayout = "Mon 2 Jan 2006 15:04:05 MST"

// RFC3339Now returns the current UTC time formatted as RFC3339.
func RFC3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// HumanTime returns the current local time in a human readable form.
func HumanTime() string {
	return time.Now().Format(humanTimeLayout)
}

// FormatHumanTime reformats an RFC3339 timestamp for display.
// Values that do not parse are returned unchanged.
func FormatHumanTime(rfc3339 string) string {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Local().Format(humanTimeLayout)
}
