package playback

import (
	"fmt"
	"net/url"
	"path"
)

// LivePlaylistPath replaces the "mse" path segment in HLS fallback URLs.
const LivePlaylistPath = "hls/live/index.m3u8"

// HLSURL rewrites a fragmented-media socket URL into the gateway's HLS live
// playlist URL: the socket scheme becomes its HTTP counterpart and the
// trailing "mse" path segment becomes LivePlaylistPath. The query is kept.
func HLSURL(streamURL string) (string, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("playback: parse stream url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	case "https", "http":
	default:
		return "", fmt.Errorf("playback: unsupported stream url scheme %q", u.Scheme)
	}
	dir, last := path.Split(u.Path)
	if last != "mse" {
		return "", fmt.Errorf("playback: stream url path %q does not end in mse", u.Path)
	}
	u.Path = dir + LivePlaylistPath
	u.RawPath = ""
	return u.String(), nil
}
