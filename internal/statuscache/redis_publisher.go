package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/tablemover/internal/model"
)

const (
	defaultStatusTTL = 24 * time.Hour
	publishTimeout   = 2 * time.Second
)

// StatusSource provides the status snapshot that is published
type StatusSource interface {
	MigrationID() string
	GetMigrationStatus() model.MigrationStatus
}

// RedisPublisher mirrors the migration status into Redis so that other
// processes can poll it, and publishes every checkpoint on a channel.
type RedisPublisher struct {
	client  *redis.Client
	source  StatusSource
	ttl     time.Duration
	channel string
	logger  *zap.Logger
}

// NewRedisClient creates a Redis client and verifies the connection
func NewRedisClient(host string, port int, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisPublisher creates a publisher for one run
func NewRedisPublisher(client *redis.Client, source StatusSource, ttl time.Duration, channel string, logger *zap.Logger) *RedisPublisher {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if channel == "" {
		channel = "migration:events"
	}
	return &RedisPublisher{
		client:  client,
		source:  source,
		ttl:     ttl,
		channel: channel,
		logger:  logger,
	}
}

// StatusKey returns the key holding the status of a run
func StatusKey(migrationID string) string {
	return fmt.Sprintf("migration:%s:status", migrationID)
}

// OnProgress refreshes the status key
func (p *RedisPublisher) OnProgress(model.MigrationMetrics) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.writeStatus(ctx); err != nil {
		p.logger.Warn("Failed to publish migration status", zap.Error(err))
	}
}

// OnCheckpoint refreshes the status key and publishes the checkpoint
func (p *RedisPublisher) OnCheckpoint(checkpoint model.MigrationCheckpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.writeStatus(ctx); err != nil {
		p.logger.Warn("Failed to publish migration status", zap.Error(err))
	}

	data, err := json.Marshal(checkpointMessage{
		MigrationID: p.source.MigrationID(),
		Checkpoint:  checkpoint.ToMap(),
	})
	if err != nil {
		p.logger.Warn("Failed to marshal checkpoint", zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("Failed to publish checkpoint",
			zap.String("channel", p.channel),
			zap.Error(err))
	}
}

// Status reads back the last published status of a run
func (p *RedisPublisher) Status(ctx context.Context, migrationID string) (model.MigrationStatus, error) {
	var status model.MigrationStatus
	data, err := p.client.Get(ctx, StatusKey(migrationID)).Bytes()
	if err == redis.Nil {
		return status, fmt.Errorf("no status published for migration %s", migrationID)
	}
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return status, nil
}

// Name identifies the publisher in readiness checks
func (p *RedisPublisher) Name() string {
	return "redis"
}

// Ping checks the Redis connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) writeStatus(ctx context.Context) error {
	status := p.source.GetMigrationStatus()
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return p.client.Set(ctx, StatusKey(status.MigrationID), data, p.ttl).Err()
}

type checkpointMessage struct {
	MigrationID string                 `json:"migration_id"`
	Checkpoint  map[string]interface{} `json:"checkpoint"`
}
