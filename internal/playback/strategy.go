// Package playback decides how a camera stream is played on a given client
// and provides the segmented HTTP (HLS) fallback path.
package playback

import (
	"regexp"
	"strconv"
	"strings"
)

// Strategy is a playback path.
type Strategy string

const (
	// FragmentedMedia streams fMP4 over a socket into a decode buffer.
	FragmentedMedia Strategy = "fragmented-media"
	// SegmentedHTTP plays the gateway's HLS live playlist.
	SegmentedHTTP Strategy = "segmented-http"
)

// Clients below these major versions lack reliable low-latency fragmented
// media support.
var (
	MinIOSMajor    = 18
	MinSafariMajor = 17
)

var (
	iosDevice     = regexp.MustCompile(`iPad|iPhone|iPod`)
	iosVersion    = regexp.MustCompile(`OS (\d+)_?(\d+)?`)
	safariVersion = regexp.MustCompile(`Version/(\d+)\.(\d+)`)
)

// ChooseStrategy classifies a user agent string.
func ChooseStrategy(userAgent string) Strategy {
	if isOldIOS(userAgent) || isOldSafari(userAgent) {
		return SegmentedHTTP
	}
	return FragmentedMedia
}

func isOldIOS(ua string) bool {
	if !iosDevice.MatchString(ua) {
		return false
	}
	major, ok := firstInt(iosVersion, ua)
	return ok && major < MinIOSMajor
}

func isOldSafari(ua string) bool {
	if !isSafari(ua) {
		return false
	}
	major, ok := firstInt(safariVersion, ua)
	return ok && major < MinSafariMajor
}

// isSafari reports whether "safari" occurs with no "chrome" or "android"
// before it, case-insensitively.
func isSafari(ua string) bool {
	lower := strings.ToLower(ua)
	i := strings.Index(lower, "safari")
	if i < 0 {
		return false
	}
	prefix := lower[:i]
	return !strings.Contains(prefix, "chrome") && !strings.Contains(prefix, "android")
}

func firstInt(re *regexp.Regexp, s string) (int, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
