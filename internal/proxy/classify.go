package proxy

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// Kind is the resource class of an origin URL.
type Kind int

const (
	KindSegment Kind = iota
	KindManifest
)

func (k Kind) String() string {
	if k == KindManifest {
		return "manifest"
	}
	return "segment"
}

const playlistContentType = "application/vnd.apple.mpegurl"

var playlistExtensions = map[string]bool{
	".m3u8": true,
	".m3u":  true,
}

var playlistMediaTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Classify decides whether origin is a manifest from its path suffix or, when known,
// the content type it was served with. Everything else is a segment.
func Classify(origin *url.URL, contentType string) Kind {
	if playlistExtensions[strings.ToLower(path.Ext(origin.Path))] {
		return KindManifest
	}
	if isPlaylistMediaType(contentType) {
		return KindManifest
	}
	return KindSegment
}

func isPlaylistMediaType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return playlistMediaTypes[strings.ToLower(mediaType)]
}
