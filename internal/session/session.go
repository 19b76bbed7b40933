// Package session provides read-only access to the authenticated user whose
// name is overlaid on camera feeds as a watermark.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the storage key holding the serialized user.
const DefaultKey = "care-auth-user"

// ErrNoUser is returned when no user is signed in.
var ErrNoUser = errors.New("session: no authenticated user")

// User is the stored user record.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// Provider returns the current user.
type Provider interface {
	CurrentUser(ctx context.Context) (*User, error)
}

// Watermark returns the overlay text for a user; empty when u is nil.
func Watermark(u *User) string {
	if u == nil {
		return ""
	}
	return u.Username
}

// Static is a Provider with a fixed user.
type Static struct {
	User *User
}

func (s Static) CurrentUser(context.Context) (*User, error) {
	if s.User == nil {
		return nil, ErrNoUser
	}
	u := *s.User
	return &u, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisOpts configures a Redis provider.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
	// CacheTTL keeps a fetched user in memory; zero disables caching.
	CacheTTL time.Duration
}

// Redis reads the user as JSON from a Redis key.
type Redis struct {
	rdb     stringGetter
	closer  func() error
	key     string
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	cached   *User
	cachedAt time.Time
}

// NewRedis connects a Redis provider.
func NewRedis(o RedisOpts) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	r := newRedis(rdb, o)
	r.closer = rdb.Close
	return r
}

func newRedis(rdb stringGetter, o RedisOpts) *Redis {
	if o.Key == "" {
		o.Key = DefaultKey
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	return &Redis{rdb: rdb, key: o.Key, timeout: o.Timeout, ttl: o.CacheTTL, now: time.Now}
}

func (r *Redis) CurrentUser(ctx context.Context) (*User, error) {
	r.mu.Lock()
	if r.cached != nil && r.ttl > 0 && r.now().Sub(r.cachedAt) < r.ttl {
		u := *r.cached
		r.mu.Unlock()
		return &u, nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	val, err := r.rdb.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoUser
		}
		return nil, fmt.Errorf("session: read %s: %w", r.key, err)
	}
	if len(val) == 0 || string(val) == "null" {
		return nil, ErrNoUser
	}
	var u User
	if err := json.Unmarshal(val, &u); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", r.key, err)
	}

	r.mu.Lock()
	r.cached = &u
	r.cachedAt = r.now()
	r.mu.Unlock()
	out := u
	return &out, nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
