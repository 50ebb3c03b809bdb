package relay

import (
	"bytes"
	"net/url"
	"text/template"
	"time"
)

// Timestamp holds the broken-out date/time fields for a single point in time.
type Timestamp struct {
	Year   string // 4-digit year
	Month  string // 2-digit month (01-12)
	Day    string // 2-digit day (01-31)
	Hour   string // 2-digit hour, 24h (00-23)
	Minute string // 2-digit minute (00-59)
	Second string // 2-digit second (00-59)
	Unix   int64
}

// NewTimestamp creates a Timestamp from a time.Time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Year:   t.Format("2006"),
		Month:  t.Format("01"),
		Day:    t.Format("02"),
		Hour:   t.Format("15"),
		Minute: t.Format("04"),
		Second: t.Format("05"),
		Unix:   t.Unix(),
	}
}

// TemplateData holds the variables available in --log path templates.
//
//	logs/{{.Host}}/{{.Session.Year}}-{{.Session.Month}}-{{.Session.Day}}.log
//	{{.Source}}_{{.Session.Unix}}.log
type TemplateData struct {
	Source  string    // source ID with path separators replaced
	Host    string    // ingest host, never the stream key
	Session Timestamp // when the session went live
	Count   int       // session number within this invocation (0-indexed)
}

// NewTemplateData builds template data for one session.
func NewTemplateData(source, ingestURL string, sessionStart time.Time, count int) *TemplateData {
	host := ""
	if u, err := url.Parse(ingestURL); err == nil {
		host = u.Hostname()
	}
	return &TemplateData{
		Source:  sanitize(source),
		Host:    host,
		Session: NewTimestamp(sessionStart),
		Count:   count,
	}
}

// RenderTemplate evaluates a Go text/template string with the given data.
func RenderTemplate(pattern string, data *TemplateData) (string, error) {
	tpl, err := template.New("path").Parse(pattern)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitize makes a source URL usable as a single path element.
func sanitize(source string) string {
	b := []byte(source)
	for i, c := range b {
		switch c {
		case '/', '\\', ':', '?', '&', '=', '*', '"', '<', '>', '|':
			b[i] = '_'
		}
	}
	return string(b)
}
