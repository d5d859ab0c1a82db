// Package cache keeps the newest checkpoint of each thread in Redis so project loads skip the database.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultLatestTTL = 10 * time.Minute
	keyPrefix        = "sequencer:latest:"
	pingTimeout      = 5 * time.Second
)

var errMissingClient = errors.New("cache: redis client is required")

// cachedMessage is the msgpack envelope. The snapshot stays JSON so reads go through the tolerant decoder.
type cachedMessage struct {
	ID        string            `msgpack:"id"`
	ClientID  string            `msgpack:"client_id"`
	ThreadID  string            `msgpack:"thread_id"`
	UserID    string            `msgpack:"user_id"`
	Timestamp int64             `msgpack:"ts"`
	Snapshot  []byte            `msgpack:"snapshot"`
	Metadata  snapshot.Metadata `msgpack:"metadata"`
	Renders   []cachedRender    `msgpack:"renders"`
}

type cachedRender struct {
	ID     string `msgpack:"id"`
	URL    string `msgpack:"url"`
	Status string `msgpack:"status"`
}

// LatestCache stores the newest checkpoint per thread.
type LatestCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLatestCache connects to the Redis instance at redisURL and verifies it answers.
func NewLatestCache(redisURL string, ttl time.Duration) (*LatestCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewLatestCacheWithClient(client, ttl)
}

// NewLatestCacheWithClient wraps an existing client.
func NewLatestCacheWithClient(client *redis.Client, ttl time.Duration) (*LatestCache, error) {
	if client == nil {
		return nil, errMissingClient
	}
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}
	return &LatestCache{client: client, ttl: ttl}, nil
}

func key(threadID string) string {
	return keyPrefix + threadID
}

// Latest returns the cached checkpoint. A miss is reported with ok=false and no error.
func (c *LatestCache) Latest(ctx context.Context, threadID string) (threads.Message, bool, error) {
	data, err := c.client.Get(ctx, key(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return threads.Message{}, false, nil
	}
	if err != nil {
		return threads.Message{}, false, fmt.Errorf("cache: get latest: %w", err)
	}

	var entry cachedMessage
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		// Undecodable entries are dropped and treated as a miss.
		_ = c.client.Del(ctx, key(threadID)).Err()
		return threads.Message{}, false, nil
	}

	message := threads.Message{
		ID:         entry.ID,
		ClientID:   entry.ClientID,
		ThreadID:   entry.ThreadID,
		UserID:     entry.UserID,
		Timestamp:  time.Unix(0, entry.Timestamp).UTC(),
		Metadata:   entry.Metadata,
		SendStatus: threads.SendStatusSent,
	}
	if len(entry.Snapshot) > 0 {
		decoded, _ := snapshot.Decode(entry.Snapshot)
		message.Snapshot = &decoded
	}
	for _, render := range entry.Renders {
		message.Renders = append(message.Renders, threads.Render{ID: render.ID, URL: render.URL, UploadStatus: threads.UploadStatus(render.Status)})
	}
	return message, true, nil
}

// StoreLatest caches a checkpoint unless a newer one is already cached for the thread.
func (c *LatestCache) StoreLatest(ctx context.Context, message threads.Message) error {
	if message.Snapshot == nil {
		return nil
	}
	current, ok, err := c.Latest(ctx, message.ThreadID)
	if err != nil {
		return err
	}
	if ok && current.Timestamp.After(message.Timestamp) {
		return nil
	}

	payload, err := json.Marshal(message.Snapshot)
	if err != nil {
		return fmt.Errorf("cache: encode snapshot: %w", err)
	}
	entry := cachedMessage{
		ID:        message.ID,
		ClientID:  message.ClientID,
		ThreadID:  message.ThreadID,
		UserID:    message.UserID,
		Timestamp: message.Timestamp.UnixNano(),
		Snapshot:  payload,
		Metadata:  message.Metadata,
	}
	for _, render := range message.Renders {
		entry.Renders = append(entry.Renders, cachedRender{ID: render.ID, URL: render.URL, Status: string(render.UploadStatus)})
	}
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := c.client.Set(ctx, key(message.ThreadID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set latest: %w", err)
	}
	return nil
}

// Invalidate drops the cached checkpoint of a thread.
func (c *LatestCache) Invalidate(ctx context.Context, threadID string) error {
	if err := c.client.Del(ctx, key(threadID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (c *LatestCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *LatestCache) Close() error {
	return c.client.Close()
}
