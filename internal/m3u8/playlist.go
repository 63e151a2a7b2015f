package m3u8

import (
	"bytes"
	"fmt"
	"io"
	"net/url"

	"github.com/grafov/m3u8"
)

type PlaylistType int

const (
	Master PlaylistType = iota
	Media
	Unknown
)

func (t PlaylistType) String() string {
	switch t {
	case Master:
		return "master"
	case Media:
		return "media"
	default:
		return "unknown"
	}
}

// Parse decodes content leniently and reports whether it is a master or media playlist.
func Parse(content io.Reader) (m3u8.Playlist, PlaylistType, error) {
	p, listType, err := m3u8.DecodeFrom(content, false)
	if err != nil {
		return nil, Unknown, err
	}

	switch listType {
	case m3u8.MASTER:
		return p, Master, nil
	case m3u8.MEDIA:
		return p, Media, nil
	default:
		return nil, Unknown, fmt.Errorf("unknown playlist type")
	}
}

// Inspect returns the playlist type of content without keeping the decoded playlist.
func Inspect(content []byte) PlaylistType {
	_, t, err := Parse(bytes.NewReader(content))
	if err != nil {
		return Unknown
	}
	return t
}

// SegmentURIs lists up to limit segment URLs of a media playlist, resolved against base.
// Master playlists yield no segments.
func SegmentURIs(content []byte, base *url.URL, limit int) ([]*url.URL, error) {
	p, t, err := Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	if t != Media {
		return nil, nil
	}

	var out []*url.URL
	for _, seg := range p.(*m3u8.MediaPlaylist).Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		u, err := Resolve(base, seg.URI)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}
