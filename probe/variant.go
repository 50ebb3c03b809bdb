package probe

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

type variant struct {
	uri       string
	height    int
	framerate int
	bandwidth uint32
}

// BestVariant returns the absolute URL of the highest rendition in master:
// tallest resolution first, then frame rate, then bandwidth. Variants
// without a resolution still compete on bandwidth.
func BestVariant(master *m3u8.MasterPlaylist, baseURL string) (string, error) {
	var best *variant
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		c := variant{uri: v.URI, bandwidth: v.Bandwidth, framerate: 30}
		if _, h, ok := strings.Cut(v.Resolution, "x"); ok {
			c.height, _ = strconv.Atoi(h)
		}
		if strings.Contains(v.Name, "FPS:60.0") || v.FrameRate > 50 {
			c.framerate = 60
		}
		if best == nil || better(c, *best) {
			best = &c
		}
	}
	if best == nil {
		return "", fmt.Errorf("no variants found in master playlist")
	}
	return resolvePlaylistURL(baseURL, best.uri)
}

func better(a, b variant) bool {
	if a.height != b.height {
		return a.height > b.height
	}
	if a.framerate != b.framerate {
		return a.framerate > b.framerate
	}
	return a.bandwidth > b.bandwidth
}

// resolvePlaylistURL resolves a variant URI against the master playlist URL.
// Relative variants inherit the master's query string (CDN tokens) when they
// carry none of their own.
func resolvePlaylistURL(baseURL, variantURI string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse playlist url: %w", err)
	}
	ref, err := url.Parse(variantURI)
	if err != nil {
		return "", fmt.Errorf("parse variant uri: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	out := base.ResolveReference(ref)
	if out.RawQuery == "" {
		out.RawQuery = base.RawQuery
	}
	return out.String(), nil
}
