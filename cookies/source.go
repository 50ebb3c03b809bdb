package cookies

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/whisper-darkly/sticky-relay/logger"
)

// SourceConfig controls how cookie sources are loaded and refreshed.
type SourceConfig struct {
	ExternalEnabled bool          // STICKY_EXTERNAL_COOKIES
	SafeDomains     string        // STICKY_COOKIES_SAFE_DOMAINS
	JSONMode        bool          // STICKY_COOKIES_JSON
	RefreshInterval time.Duration // STICKY_COOKIES_REFRESH, URL sources only
	Source          string        // for URL template {{.Source}}
	InsecureTLS     bool          // STICKY_INSECURE_TLS
}

type sourceKind int

const (
	kindLiteral sourceKind = iota
	kindFile
	kindURL
)

// Source represents a cookie source that can load and refresh cookie strings.
type Source struct {
	kind     sourceKind
	raw      string // literal string, file path, or URL template
	cfg      SourceConfig
	rendered string // for URL sources: template-rendered URL
}

// NewSource classifies the raw cookie string and validates access controls.
func NewSource(raw string, cfg SourceConfig) (*Source, error) {
	s := &Source{raw: raw, cfg: cfg}

	switch {
	case strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://"):
		s.kind = kindURL
	case strings.HasPrefix(raw, "file://"):
		s.kind = kindFile
		s.raw = strings.TrimPrefix(raw, "file://")
	default:
		s.kind = kindLiteral
	}

	if s.kind != kindLiteral && !cfg.ExternalEnabled {
		return nil, fmt.Errorf("external cookie sources require STICKY_EXTERNAL_COOKIES=1 (got %q)", raw)
	}

	if s.kind == kindURL {
		rendered, err := renderTemplate(raw, cfg)
		if err != nil {
			return nil, fmt.Errorf("render cookie URL template: %w", err)
		}
		s.rendered = rendered

		if err := validateSafeDomain(rendered, cfg.SafeDomains); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// FileSource returns a source reading path directly. Used for an explicit
// cookie file, which needs no external-source opt-in.
func FileSource(path string, cfg SourceConfig) *Source {
	return &Source{kind: kindFile, raw: path, cfg: cfg}
}

// Load fetches cookie strings from the source.
func (s *Source) Load(ctx context.Context) ([]string, error) {
	switch s.kind {
	case kindLiteral:
		return []string{s.raw}, nil
	case kindFile:
		return s.loadFile()
	case kindURL:
		return s.loadURL(ctx)
	default:
		return nil, fmt.Errorf("unknown source kind")
	}
}

// StartRefresh keeps pool in sync with the source until ctx is done.
// File sources are watched for changes; URL sources are polled every
// RefreshInterval. Literal sources never change.
func (s *Source) StartRefresh(ctx context.Context, pool *Pool, log *logger.Logger) error {
	switch s.kind {
	case kindFile:
		return s.watchFile(ctx, pool, log)
	case kindURL:
		if s.cfg.RefreshInterval > 0 {
			go s.poll(ctx, pool, log)
		}
	}
	return nil
}

func (s *Source) poll(ctx context.Context, pool *Pool, log *logger.Logger) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reload(ctx, pool, log)
		}
	}
}

// watchFile watches the parent directory so editors that replace the file
// (write to temp, rename over) are picked up too.
func (s *Source) watchFile(ctx context.Context, pool *Pool, log *logger.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create cookie watcher: %w", err)
	}
	target := filepath.Clean(s.raw)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch cookie file %q: %w", s.raw, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				s.reload(ctx, pool, log)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("cookie watcher: %v", werr)
			}
		}
	}()
	return nil
}

func (s *Source) reload(ctx context.Context, pool *Pool, log *logger.Logger) {
	cookies, err := s.Load(ctx)
	if err != nil {
		log.Warn("cookie refresh failed: %v", err)
		return
	}
	pool.Update(cookies)
	log.Debug("cookie pool refreshed: %d entries", pool.Count())
}

func (s *Source) loadFile() ([]string, error) {
	data, err := os.ReadFile(s.raw)
	if err != nil {
		return nil, fmt.Errorf("read cookie file %q: %w", s.raw, err)
	}
	return s.parseContent(data)
}

func (s *Source) loadURL(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if s.cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, "GET", s.rendered, nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch cookies from %s: %w", s.rendered, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("cookie URL returned %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cookie response: %w", err)
	}

	return s.parseContent(body)
}

func (s *Source) parseContent(data []byte) ([]string, error) {
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, fmt.Errorf("empty cookie source")
	}

	if s.cfg.JSONMode {
		var cookies []string
		if err := json.Unmarshal([]byte(content), &cookies); err != nil {
			return nil, fmt.Errorf("parse cookie JSON: %w", err)
		}
		return cookies, nil
	}

	if isNetscape(content) {
		header := ParseNetscape(content)
		if header == "" {
			return nil, fmt.Errorf("cookie file has no cookies")
		}
		return []string{header}, nil
	}

	return []string{content}, nil
}

// isNetscape recognises the cookies.txt format written by browsers
// extensions, curl and yt-dlp.
func isNetscape(content string) bool {
	if strings.HasPrefix(content, "# Netscape HTTP Cookie File") || strings.HasPrefix(content, "# HTTP Cookie File") {
		return true
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || (strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "#HttpOnly_")) {
			continue
		}
		return len(strings.Split(line, "\t")) == 7
	}
	return false
}

// ParseNetscape converts a Netscape cookies.txt document into a Cookie
// header value ("name=value; name2=value2"). Later duplicates of a name win.
func ParseNetscape(content string) string {
	var order []string
	values := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "#HttpOnly_") {
			line = strings.TrimPrefix(line, "#HttpOnly_")
		} else if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}
		name := strings.TrimSpace(fields[5])
		if name == "" {
			continue
		}
		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = strings.TrimSpace(fields[6])
	}

	pairs := make([]string, 0, len(order))
	for _, name := range order {
		pairs = append(pairs, name+"="+values[name])
	}
	return strings.Join(pairs, "; ")
}

// Pairs splits a Cookie header value into name=value pairs.
func Pairs(header string) []string {
	var out []string
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if name, _, ok := strings.Cut(pair, "="); ok && strings.TrimSpace(name) != "" {
			out = append(out, pair)
		}
	}
	return out
}

// renderTemplate applies {{.Source}} to a URL template.
func renderTemplate(raw string, cfg SourceConfig) (string, error) {
	tmpl, err := template.New("cookie-url").Parse(raw)
	if err != nil {
		return "", err
	}

	data := struct {
		Source string
	}{
		Source: url.QueryEscape(cfg.Source),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// validateSafeDomain checks that the URL's host resolves to an allowed
// domain or CIDR range.
func validateSafeDomain(rawURL, safeDomains string) error {
	if strings.TrimSpace(safeDomains) == "" {
		return fmt.Errorf("URL cookie sources require STICKY_COOKIES_SAFE_DOMAINS to be set")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse cookie URL: %w", err)
	}
	host := u.Hostname()

	tokens := strings.Split(safeDomains, ",")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}

	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(token); err == nil {
			continue
		}
		if host == token || strings.HasSuffix(host, "."+token) {
			return nil
		}
	}

	var cidrs []*net.IPNet
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(token); err == nil {
			cidrs = append(cidrs, cidr)
		}
	}

	if len(cidrs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return fmt.Errorf("resolve cookie host %q: %w", host, err)
		}

		for _, addr := range addrs {
			ip := net.ParseIP(addr)
			if ip == nil {
				continue
			}
			for _, cidr := range cidrs {
				if cidr.Contains(ip) {
					return nil
				}
			}
		}
	}

	return fmt.Errorf("cookie URL host %q is not in STICKY_COOKIES_SAFE_DOMAINS (%s)", host, safeDomains)
}
