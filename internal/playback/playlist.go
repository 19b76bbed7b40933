package playback

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotPlaylist is returned when the input does not start with #EXTM3U.
var ErrNotPlaylist = errors.New("playback: not an m3u8 playlist")

const maxPlaylistBytes = 1 << 20

// Segment is one media segment of a live playlist.
type Segment struct {
	URI      string        `json:"uri"`
	Duration time.Duration `json:"duration"`
	Sequence int           `json:"sequence"`
}

// Playlist is a parsed HLS media playlist.
type Playlist struct {
	Version        int           `json:"version"`
	TargetDuration time.Duration `json:"target_duration"`
	MediaSequence  int           `json:"media_sequence"`
	Segments       []Segment     `json:"segments"`
	EndList        bool          `json:"end_list"`
}

// Live reports whether the playlist is still being appended to.
func (p *Playlist) Live() bool { return !p.EndList }

// Playable reports whether the playlist has at least one media segment.
func (p *Playlist) Playable() bool { return len(p.Segments) > 0 }

// Duration sums the segment durations.
func (p *Playlist) Duration() time.Duration {
	var total time.Duration
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// ParsePlaylist reads an HLS media playlist. Unknown tags are skipped.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	sc := bufio.NewScanner(io.LimitReader(r, maxPlaylistBytes))
	p := &Playlist{}
	first := true
	var pending *time.Duration
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if first {
			if text != "#EXTM3U" {
				return nil, ErrNotPlaylist
			}
			first = false
			continue
		}

		tag, value, _ := strings.Cut(text, ":")
		switch tag {
		case "#EXT-X-VERSION":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("playback: line %d: version: %w", line, err)
			}
			p.Version = n
		case "#EXT-X-TARGETDURATION":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("playback: line %d: target duration: %w", line, err)
			}
			p.TargetDuration = time.Duration(n) * time.Second
		case "#EXT-X-MEDIA-SEQUENCE":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("playback: line %d: media sequence: %w", line, err)
			}
			p.MediaSequence = n
		case "#EXTINF":
			durText, _, _ := strings.Cut(value, ",")
			secs, err := strconv.ParseFloat(durText, 64)
			if err != nil || secs < 0 {
				return nil, fmt.Errorf("playback: line %d: invalid segment duration %q", line, durText)
			}
			d := time.Duration(secs * float64(time.Second))
			pending = &d
		case "#EXT-X-ENDLIST":
			p.EndList = true
		default:
			if strings.HasPrefix(text, "#") {
				continue
			}
			if pending == nil {
				return nil, fmt.Errorf("playback: line %d: segment %q without #EXTINF", line, text)
			}
			p.Segments = append(p.Segments, Segment{
				URI:      text,
				Duration: *pending,
				Sequence: p.MediaSequence + len(p.Segments),
			})
			pending = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("playback: read playlist: %w", err)
	}
	if first {
		return nil, ErrNotPlaylist
	}
	return p, nil
}

// Encode writes p in m3u8 form.
func (p *Playlist) Encode(w io.Writer) error {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	if p.Version > 0 {
		fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", p.Version)
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(p.TargetDuration.Round(time.Second)/time.Second))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	for _, s := range p.Segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", s.Duration.Seconds(), s.URI)
	}
	if p.EndList {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// FetchPlaylist GETs and parses the playlist at url.
func FetchPlaylist(ctx context.Context, client *http.Client, url string) (*Playlist, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("playback: build playlist request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playback: fetch playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playback: fetch playlist: status %d", resp.StatusCode)
	}
	return ParsePlaylist(resp.Body)
}
