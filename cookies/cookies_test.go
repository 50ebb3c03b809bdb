package cookies

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/sticky-relay/logger"
)

const netscapeFile = "# Netscape HTTP Cookie File\n" +
	"# This is a generated file! Do not edit.\n\n" +
	".youtube.com\tTRUE\t/\tTRUE\t1893456000\tSID\tabc\n" +
	"#HttpOnly_.youtube.com\tTRUE\t/\tTRUE\t1893456000\tHSID\tdef\n" +
	".youtube.com\tTRUE\t/\tTRUE\t1893456000\tSID\txyz\n"

func TestParseNetscape(t *testing.T) {
	assert.Equal(t, "SID=xyz; HSID=def", ParseNetscape(netscapeFile))
	assert.Equal(t, "", ParseNetscape("# only comments\n"))
}

func TestPairs(t *testing.T) {
	assert.Equal(t, []string{"a=1", "b=2"}, Pairs(" a=1; b=2 ;; junk ; =3"))
	assert.Empty(t, Pairs(""))
}

func TestSourceLoadsLiteralAndFiles(t *testing.T) {
	ctx := t.Context()

	lit, err := NewSource("a=1; b=2", SourceConfig{})
	require.NoError(t, err)
	got, err := lit.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1; b=2"}, got)

	_, err = NewSource("file:///tmp/cookies.txt", SourceConfig{})
	require.Error(t, err, "external sources need opt-in")

	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte(netscapeFile), 0o600))

	fileSrc, err := NewSource("file://"+path, SourceConfig{ExternalEnabled: true})
	require.NoError(t, err)
	got, err = fileSrc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SID=xyz; HSID=def"}, got)

	jsonPath := filepath.Join(dir, "cookies.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`["a=1","b=2"]`), 0o600))
	got, err = FileSource(jsonPath, SourceConfig{JSONMode: true}).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=2"}, got)
}

func TestURLSourceNeedsSafeDomains(t *testing.T) {
	_, err := NewSource("https://cookies.internal/{{.Source}}", SourceConfig{ExternalEnabled: true})
	require.Error(t, err)

	src, err := NewSource("https://cookies.internal/{{.Source}}", SourceConfig{
		ExternalEnabled: true,
		SafeDomains:     "internal",
		Source:          "https://www.youtube.com/@chan",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cookies.internal/https%3A%2F%2Fwww.youtube.com%2F%40chan", src.rendered)
}

func TestFileRefreshUpdatesPool(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte("a=1"), 0o600))

	src := FileSource(path, SourceConfig{})
	initial, err := src.Load(ctx)
	require.NoError(t, err)
	pool := NewPool(initial)

	log := logger.New(logger.LevelError)
	require.NoError(t, src.StartRefresh(ctx, pool, log))

	require.NoError(t, os.WriteFile(path, []byte("a=2"), 0o600))
	assert.Eventually(t, func() bool {
		return pool.Select().Header == "a=2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPoolRoundRobinAndPenalty(t *testing.T) {
	p := NewPool([]string{"a", "b", "a", ""})
	require.Equal(t, 2, p.Count())

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		counts[p.Select().Header]++
	}
	assert.Equal(t, 5, counts["a"])
	assert.Equal(t, 5, counts["b"])

	lease := p.Select()
	lease.Reject()
	assert.Equal(t, 1, p.Penalty(lease.Header))

	counts = map[string]int{}
	for i := 0; i < 30; i++ {
		counts[p.Select().Header]++
	}
	assert.Greater(t, counts[otherOf(lease.Header)], counts[lease.Header])

	p.Update([]string{lease.Header, "c"})
	assert.Equal(t, 2, p.Count())
	assert.Equal(t, -1, p.Penalty(otherOf(lease.Header)))
	// re-rooted against the new set at 0
	assert.Equal(t, 1, p.Penalty(lease.Header))
	assert.Equal(t, 0, p.Penalty("c"))
}

func TestEmptyPoolLease(t *testing.T) {
	var nilPool *Pool
	assert.Equal(t, "", nilPool.Select().Header)

	lease := NewPool(nil).Select()
	assert.Equal(t, "", lease.Header)
	lease.Reject()
}

func otherOf(h string) string {
	if h == "a" {
		return "b"
	}
	return "a"
}
