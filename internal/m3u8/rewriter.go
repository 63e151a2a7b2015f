package m3u8

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
)

// Encoder maps a resolved origin URL to the text written back into the playlist.
type Encoder func(origin *url.URL) (string, error)

// Tags whose next URI line is a media reference (segment or variant playlist).
var mediaReferenceTags = map[string]bool{
	"#EXTINF":           true,
	"#EXT-X-STREAM-INF": true,
}

const uriAttr = `URI="`

// Rewrite replaces every URI reference in a playlist with encode(resolve(base, uri)).
// Two shapes are recognized: the URI line that follows a media reference tag, and the
// quoted URI attribute of any tag line. Everything else, line terminators included,
// is copied through unchanged.
func Rewrite(content []byte, base *url.URL, encode Encoder) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(content) + len(content)/2)

	expectURI := false
	for _, chunk := range bytes.SplitAfter(content, []byte("\n")) {
		if len(chunk) == 0 {
			continue
		}
		line, eol := splitEOL(string(chunk))
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#EXT"):
			if mediaReferenceTags[tagName(trimmed)] {
				expectURI = true
			}
			rewritten, err := rewriteAttributes(line, base, encode)
			if err != nil {
				return nil, err
			}
			line = rewritten
		case strings.HasPrefix(trimmed, "#"):
			// plain comment
		case expectURI:
			expectURI = false
			rewritten, err := rewriteURILine(line, trimmed, base, encode)
			if err != nil {
				return nil, err
			}
			line = rewritten
		}

		out.WriteString(line)
		out.WriteString(eol)
	}
	return out.Bytes(), nil
}

func splitEOL(chunk string) (string, string) {
	switch {
	case strings.HasSuffix(chunk, "\r\n"):
		return chunk[:len(chunk)-2], "\r\n"
	case strings.HasSuffix(chunk, "\n"):
		return chunk[:len(chunk)-1], "\n"
	default:
		return chunk, ""
	}
}

func tagName(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i]
	}
	return line
}

func rewriteURILine(line, trimmed string, base *url.URL, encode Encoder) (string, error) {
	resolved, err := Resolve(base, trimmed)
	if err != nil {
		return line, nil
	}
	encoded, err := encode(resolved)
	if err != nil {
		return "", err
	}
	start := strings.Index(line, trimmed)
	return line[:start] + encoded + line[start+len(trimmed):], nil
}

// rewriteAttributes rewrites each URI="..." attribute of a tag line. The attribute must
// start the attribute list or follow a comma, so names such as KEYURI are left alone.
func rewriteAttributes(line string, base *url.URL, encode Encoder) (string, error) {
	var b strings.Builder
	rest := line
	for {
		idx := strings.Index(rest, uriAttr)
		if idx < 0 {
			break
		}
		valueStart := idx + len(uriAttr)
		if idx == 0 || (rest[idx-1] != ':' && rest[idx-1] != ',') {
			b.WriteString(rest[:valueStart])
			rest = rest[valueStart:]
			continue
		}
		end := strings.IndexByte(rest[valueStart:], '"')
		if end < 0 {
			break
		}
		value := rest[valueStart : valueStart+end]

		b.WriteString(rest[:valueStart])
		if resolved, err := Resolve(base, value); err == nil && value != "" {
			encoded, err := encode(resolved)
			if err != nil {
				return "", err
			}
			b.WriteString(encoded)
		} else {
			b.WriteString(value)
		}
		rest = rest[valueStart+end:]
	}
	b.WriteString(rest)
	return b.String(), nil
}

// Resolve resolves a playlist URI reference against the URL of the playlist it appears in.
// Absolute references are returned as-is, root-relative ones keep only the base's scheme
// and host, and everything else is resolved against the base's directory.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	refURL, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if refURL.IsAbs() {
		return refURL, nil
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base %q is not absolute", base)
	}
	if strings.HasPrefix(ref, "/") && !strings.HasPrefix(ref, "//") {
		root := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}
		return root.ResolveReference(refURL), nil
	}
	return base.ResolveReference(refURL), nil
}
