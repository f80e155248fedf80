package room

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProvenanceStore records which identity created a room and when. A failed
// write aborts the in-flight room creation.
type ProvenanceStore interface {
	RecordCreation(ctx context.Context, resourceID string, creatorID int64) error
}

// RedisStore keeps room provenance as a hash per resource identifier.
type RedisStore struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, log *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		log:    log.With(zap.String("module", "redis-store")),
	}, nil
}

// RecordCreation writes the resource id and the creator's admission
// timestamp (unix milliseconds) into the room's hash.
func (s *RedisStore) RecordCreation(ctx context.Context, resourceID string, creatorID int64) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := s.client.HSet(ctx, resourceID,
		"script_id", resourceID,
		"user:"+strconv.FormatInt(creatorID, 10), now,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to record room creation: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// PostgresStore keeps room provenance in a relational table.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgresStore opens the database and verifies the connection.
func NewPostgresStore(dsn string, log *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &PostgresStore{
		db:  db,
		log: log.With(zap.String("module", "postgres-store")),
	}, nil
}

// RecordCreation upserts the room's provenance row.
func (s *PostgresStore) RecordCreation(ctx context.Context, resourceID string, creatorID int64) error {
	const query = `
		INSERT INTO room_provenance (resource_id, creator_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (resource_id)
		DO UPDATE SET creator_id = EXCLUDED.creator_id, created_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, resourceID, creatorID); err != nil {
		return fmt.Errorf("failed to record room creation: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
