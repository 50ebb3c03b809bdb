// Package stream holds the values exchanged between the probe, the relay
// pipeline and the CLI: what to fetch, what a probe saw, and where to push.
package stream

import (
	"net/url"
	"strings"
)

// AuthMaterial is optional credential material for the source.
type AuthMaterial struct {
	CookieFile   string // Netscape cookie file, handed to tools that accept one
	CookieHeader string // "k=v; k2=v2" form, for tools that take raw cookies
}

// Empty reports whether no credential material is set.
func (a AuthMaterial) Empty() bool {
	return a.CookieFile == "" && a.CookieHeader == ""
}

// Descriptor identifies a source to probe and fetch. It is immutable once built.
type Descriptor struct {
	ID         string // URL or tool-specific identifier
	Auth       AuthMaterial
	ExpectLive bool // the resolver believes the source is live right now
}

// WithID returns a copy of d fetching id instead, keeping the credentials.
func (d Descriptor) WithID(id string) Descriptor {
	d.ID = id
	return d
}

// Direct reports whether the descriptor already points at media rather than
// at a page that a fetch tool has to resolve.
func (d Descriptor) Direct() bool {
	return IsDirectMediaURL(d.ID)
}

// ProbeResult is what a single probe observed. Produced fresh per call.
type ProbeResult struct {
	Live        bool
	Title       string
	Duration    *float64 // seconds, when the strategy reports one
	MediaURL    string   // directly fetchable URL, when the strategy resolved one
	Strategy    string   // strategy that produced the verdict
	Diagnostics string
}

// IsDirectMediaURL reports whether id looks like a playable media URL
// (HLS playlist, MP4 file or a googlevideo CDN URL).
func IsDirectMediaURL(id string) bool {
	u, err := url.Parse(strings.TrimSpace(id))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".m3u8") ||
		strings.HasSuffix(p, ".mp4") ||
		strings.Contains(p, "/hls_playlist/") ||
		strings.HasSuffix(strings.ToLower(u.Hostname()), "googlevideo.com")
}

// IsHLSURL reports whether id is an HTTP(S) URL of an HLS playlist.
func IsHLSURL(id string) bool {
	u, err := url.Parse(strings.TrimSpace(id))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".m3u8") || strings.Contains(p, "/hls_playlist/")
}
