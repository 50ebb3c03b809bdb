package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper-darkly/sticky-relay/logger"
)

// DefaultTTL is how long a redis lock survives its holder.
const DefaultTTL = 30 * time.Second

// unlockScript deletes the key only if it still holds our value.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only if the key still holds our value.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every relay pointed at the same redis. The
// lock is a SET NX key with a TTL, renewed at half the TTL while held.
type Redis struct {
	Client *redis.Client
	Prefix string        // defaults to "sticky-relay:lock:"
	TTL    time.Duration // defaults to DefaultTTL
	Log    *logger.Logger
}

// NewRedis connects to the redis at rawURL (redis://[:pass@]host:port/db).
func NewRedis(rawURL string, log *logger.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse lock redis URL: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Redis{Client: redis.NewClient(opts), Log: log}, nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.Client.Close()
}

func (r *Redis) Acquire(ctx context.Context, target string) (Lease, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "sticky-relay:lock:"
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log := r.Log
	if log == nil {
		log = logger.Discard()
	}

	l := &redisLease{
		client: r.Client,
		key:    prefix + Key(target),
		value:  lockValue(),
		ttl:    ttl,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}

	ok, err := r.Client.SetNX(ctx, l.key, l.value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire target lock: %w", err)
	}
	if !ok {
		return nil, ErrTargetBusy
	}

	go l.renew()
	return l, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
	log    *logger.Logger

	once sync.Once
	stop chan struct{}
	done chan struct{}
	lost chan struct{}
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

// renew runs detached from the acquiring context so the lock outlives a
// cancelled caller until Release.
func (l *redisLease) renew() {
	defer close(l.done)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.log.Warn("renew target lock: %v", err)
				continue
			}
			if n == 0 {
				l.log.Error("target lock lost to another holder")
				close(l.lost)
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		var n int
		n, err = unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("release target lock: %w", err)
			return
		}
		if n == 0 {
			l.log.Warn("target lock expired before release")
		}
	})
	return err
}

func lockValue() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
