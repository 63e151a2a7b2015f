package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// OriginParam is the reserved query parameter carrying the origin URL of a proxied request.
const OriginParam = "__hls_origin_url"

var (
	ErrMalformedRequest = errors.New("malformed proxy request")
	ErrNotRunning       = errors.New("proxy server is not running")
	ErrAlreadyRunning   = errors.New("proxy server is already running")
)

// Mapper converts between origin URLs and URLs on a bound local proxy.
type Mapper struct {
	Host string
	Port int
}

func (m Mapper) hostPort() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// Encode returns http://host:port{origin path}?__hls_origin_url={origin}. URLs that
// already point at this proxy are returned unchanged.
func (m Mapper) Encode(origin *url.URL) *url.URL {
	if m.IsProxied(origin) {
		clone := *origin
		return &clone
	}
	path, rawPath := origin.Path, origin.RawPath
	if path == "" {
		path, rawPath = "/", ""
	}
	return &url.URL{
		Scheme:   "http",
		Host:     m.hostPort(),
		Path:     path,
		RawPath:  rawPath,
		RawQuery: OriginParam + "=" + escapeOrigin(origin.String()),
	}
}

// IsProxied reports whether u already targets this proxy with an origin parameter.
func (m Mapper) IsProxied(u *url.URL) bool {
	if u.Host != m.hostPort() || !strings.HasPrefix(u.RawQuery, OriginParam+"=") {
		return false
	}
	_, err := Decode(u)
	return err == nil
}

// Decode extracts the origin URL from a proxied request URL.
func Decode(u *url.URL) (*url.URL, error) {
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	raw := values.Get(OriginParam)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedRequest, OriginParam)
	}
	origin, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("%w: origin %q is not an absolute URL", ErrMalformedRequest, raw)
	}
	return origin, nil
}

// escapeOrigin query-escapes s but keeps ':' and '/' literal; both are legal in a query.
func escapeOrigin(s string) string {
	escaped := url.QueryEscape(s)
	return strings.NewReplacer("%3A", ":", "%2F", "/").Replace(escaped)
}
