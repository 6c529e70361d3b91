package push

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/pushql/internal/logx"
)

// DefaultRedisPrefix namespaces pushql channels inside Redis.
const DefaultRedisPrefix = "pushql:"

// controlSuffix names a channel that keeps the shared connection in
// subscriber mode while no session channel is open.
const controlSuffix = "$control"

// redisEnvelope is the JSON published on a Redis channel.
type redisEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// RedisTransport carries channels over Redis pub/sub. All channels share
// one subscriber connection.
type RedisTransport struct {
	client redis.UniversalClient
	ps     *redis.PubSub
	prefix string
}

// NewRedisTransport connects to addr (a host:port or a redis://, rediss://,
// redis-sentinel:// or rediss-sentinel:// URL).
func NewRedisTransport(addr, prefix string) (*RedisTransport, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	return NewRedisTransportFromClient(redis.NewUniversalClient(opts), prefix)
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(c redis.UniversalClient, prefix string) (*RedisTransport, error) {
	ctx := context.Background()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ps := c.Subscribe(ctx, prefix+controlSuffix)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return &RedisTransport{client: c, ps: ps, prefix: prefix}, nil
}

func (r *RedisTransport) Subscribe(ctx context.Context, channel string) error {
	return r.ps.Subscribe(ctx, r.prefix+channel)
}

func (r *RedisTransport) Unsubscribe(ctx context.Context, channel string) error {
	return r.ps.Unsubscribe(ctx, r.prefix+channel)
}

// Run reads the shared subscription until ctx is done. go-redis reconnects
// and resubscribes on its own.
func (r *RedisTransport) Run(ctx context.Context, deliver func(Message)) error {
	msgs := r.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			name, ok := strings.CutPrefix(msg.Channel, r.prefix)
			if !ok || name == controlSuffix {
				continue
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Event == "" {
				logx.Log.Warn().Str("channel", name).Msg("dropping malformed redis push message")
				continue
			}
			deliver(Message{Channel: name, Event: env.Event, Data: env.Data})
		}
	}
}

// Publish sends event with data on channel and returns the number of
// Redis subscribers that received it.
func (r *RedisTransport) Publish(ctx context.Context, channel, event string, data any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(redisEnvelope{Event: event, Data: raw})
	if err != nil {
		return 0, err
	}
	return r.client.Publish(ctx, r.prefix+channel, b).Result()
}

// Subscribers returns the number of Redis subscribers on channel.
func (r *RedisTransport) Subscribers(ctx context.Context, channel string) (int64, error) {
	res, err := r.client.PubSubNumSub(ctx, r.prefix+channel).Result()
	if err != nil {
		return 0, err
	}
	return res[r.prefix+channel], nil
}

func (r *RedisTransport) Close() error {
	err := r.ps.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	parseDB := func(v string) error {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = db
		return nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			if err := parseDB(p); err != nil {
				return nil, err
			}
		} else if v := q.Get("db"); v != "" {
			if err := parseDB(v); err != nil {
				return nil, err
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if v := q.Get("db"); v != "" {
			if err := parseDB(v); err != nil {
				return nil, err
			}
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}
