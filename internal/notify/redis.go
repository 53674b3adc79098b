// Package notify fans upload progress out to external subscribers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
)

const (
	defaultPrefix  = "leads:upload"
	defaultTTL     = time.Hour
	publishTimeout = 2 * time.Second
)

// RedisPublisher stores the latest progress snapshot of each job under
// "<prefix>:<jobID>" and publishes every snapshot on a channel of the same
// name. It implements ingest.Observer.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPublisher wraps an existing client. Empty prefix and zero ttl fall
// back to defaults.
func NewRedisPublisher(client *redis.Client, prefix string, ttl time.Duration) *RedisPublisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl}
}

// Dial parses a redis:// URL, pings the server and returns a publisher.
func Dial(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "notify: parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "notify: ping redis")
	}
	return NewRedisPublisher(client, prefix, ttl), nil
}

// Key returns the key and channel used for a job.
func (p *RedisPublisher) Key(jobID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, jobID)
}

// OnProgress writes the snapshot and publishes it. Failures are logged and
// never interrupt the upload.
func (p *RedisPublisher) OnProgress(snap model.Progress) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.Publish(ctx, snap); err != nil {
		zap.L().Warn("notify: progress publish failed",
			zap.String("job_id", snap.JobID),
			zap.String("state", string(snap.State)),
			zap.Error(err),
		)
	}
}

// Publish stores and publishes one snapshot.
func (p *RedisPublisher) Publish(ctx context.Context, snap model.Progress) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "notify: marshal progress")
	}
	key := p.Key(snap.JobID)

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, key, data, p.ttl)
	pipe.Publish(ctx, key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "notify: publish %s", key)
	}
	return nil
}

// Latest returns the last stored snapshot for a job, or nil if none is
// stored or it has expired.
func (p *RedisPublisher) Latest(ctx context.Context, jobID string) (*model.Progress, error) {
	data, err := p.client.Get(ctx, p.Key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "notify: get %s", p.Key(jobID))
	}
	var snap model.Progress
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "notify: unmarshal progress")
	}
	return &snap, nil
}

// Subscribe returns a channel of snapshots for one job. The channel closes
// when ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, jobID string) (<-chan model.Progress, error) {
	sub := p.client.Subscribe(ctx, p.Key(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "notify: subscribe %s", p.Key(jobID))
	}

	out := make(chan model.Progress)
	go func() {
		defer close(out)
		defer sub.Close() //nolint:errcheck
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap model.Progress
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					zap.L().Debug("notify: skip malformed progress", zap.Error(err))
					continue
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
