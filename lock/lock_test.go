package lock

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHidesTarget(t *testing.T) {
	k := Key("rtmp://a.rtmp.youtube.com/live2/SECRET")
	assert.Len(t, k, 64)
	assert.NotContains(t, k, "SECRET")
	assert.Equal(t, k, Key("rtmp://a.rtmp.youtube.com/live2/SECRET"))
}

func TestLocalExclusive(t *testing.T) {
	ctx := t.Context()
	l := NewLocal()

	lease, err := l.Acquire(ctx, "rtmp://host/app/key")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "rtmp://host/app/key")
	assert.ErrorIs(t, err, ErrTargetBusy)

	other, err := l.Acquire(ctx, "rtmp://host/app/other")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	assert.Nil(t, lease.Lost())
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := l.Acquire(ctx, "rtmp://host/app/key")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

// TestRedisExclusive needs a redis server; set REDIS_URL to run it.
func TestRedisExclusive(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := t.Context()

	a, err := NewRedis(url, nil)
	require.NoError(t, err)
	defer a.Close()
	a.TTL = 400 * time.Millisecond
	a.Prefix = "sticky-relay-test:" + t.Name() + ":"

	b, err := NewRedis(url, nil)
	require.NoError(t, err)
	defer b.Close()
	b.Prefix = a.Prefix

	target := "rtmp://host/app/" + time.Now().Format(time.RFC3339Nano)
	lease, err := a.Acquire(ctx, target)
	require.NoError(t, err)

	// survives past its TTL while renewed
	time.Sleep(time.Second)
	_, err = b.Acquire(ctx, target)
	assert.ErrorIs(t, err, ErrTargetBusy)

	require.NoError(t, lease.Release(ctx))

	lease, err = b.Acquire(ctx, target)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

// TestRedisLeaseLost needs a redis server; set REDIS_URL to run it.
func TestRedisLeaseLost(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := t.Context()

	r, err := NewRedis(url, nil)
	require.NoError(t, err)
	defer r.Close()
	r.TTL = 200 * time.Millisecond
	r.Prefix = "sticky-relay-test:" + t.Name() + ":"

	target := "rtmp://host/app/" + time.Now().Format(time.RFC3339Nano)
	lease, err := r.Acquire(ctx, target)
	require.NoError(t, err)
	defer lease.Release(ctx)

	select {
	case <-lease.Lost():
		t.Fatal("lease lost while held")
	default:
	}

	// another holder takes the key over
	require.NoError(t, r.Client.Set(ctx, r.Prefix+Key(target), "someone-else", time.Minute).Err())
	defer r.Client.Del(ctx, r.Prefix+Key(target))

	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss not reported")
	}
}
