package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/whisper-darkly/sticky-relay/cookies"
	"github.com/whisper-darkly/sticky-relay/stream"
)

// maxPlaylistBytes caps how much of a playlist response is read.
const maxPlaylistBytes = 4 << 20

// HTTPClient fetches playlists with the descriptor's cookie header and an
// optional user agent, and maps block pages to stream errors.
type HTTPClient struct {
	client    *http.Client
	cookies   string
	userAgent string
}

// NewHTTPClient creates an HTTP client. Certificates are verified unless
// insecure is set; the client carries session cookies.
func NewHTTPClient(cookieHeader, userAgent string, insecure bool) *HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPClient{
		client:    &http.Client{Transport: transport, Timeout: 15 * time.Second},
		cookies:   cookieHeader,
		userAgent: userAgent,
	}
}

// Get fetches url and returns the body.
func (h *HTTPClient) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	for _, pair := range cookies.Pairs(h.cookies) {
		name, value, _ := strings.Cut(pair, "=")
		req.AddCookie(&http.Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	body := string(b)
	switch {
	case strings.Contains(body, "<title>Just a moment...</title>"):
		return nil, stream.ErrCloudflareBlocked
	case strings.Contains(body, "Verify your age"):
		return nil, stream.ErrAgeVerification
	case resp.StatusCode == http.StatusForbidden:
		return nil, stream.ErrPrivateStream
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, stream.ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return b, nil
}
