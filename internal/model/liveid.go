package model

import "regexp"

var liveIDRegex = regexp.MustCompile(`(lv\d+|ch\d+|user/\d+)`)

// ParseLiveID extracts a live id from s, which may be a bare id
// ("lv123456", "ch123", "user/456") or any URL containing one.
func ParseLiveID(s string) (string, error) {
	m := liveIDRegex.FindString(s)
	if m == "" {
		return "", &LiveIDParseError{Input: s}
	}
	return m, nil
}
