// Package storage opens the outcome and snapshot stores selected by config.
package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/config"
	"github.com/goliatone/go-relato/effect"
	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/progress"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/mattn/go-sqlite3"
)

// ErrCodeOpen is the text code of connection failures.
const ErrCodeOpen = "STORAGE_OPEN_FAILED"

// Stores bundles the persistence backends of an engine.
type Stores struct {
	Outcomes  effect.OutcomeStore
	Snapshots progress.SnapshotStore

	closers []func(context.Context) error
}

// Close releases every opened connection, in reverse order.
func (s *Stores) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = stderrors.Join(errs, err)
		}
	}
	s.closers = nil
	return errs
}

// Open connects the configured driver. A redis address replaces the default
// snapshot cache of the driver.
func Open(ctx context.Context, cfg config.StorageConfig, ttl time.Duration, logger logging.Logger) (*Stores, error) {
	logger = logging.Normalize(logger)
	stores := &Stores{}

	switch cfg.Driver {
	case config.DriverMemory, "":
		stores.Outcomes = effect.NewInMemoryOutcomeStore()
		stores.Snapshots = progress.NewInMemorySnapshotStore()
	case config.DriverSQLite:
		db, err := sql.Open("sqlite3", cfg.SQLite.DSN)
		if err != nil {
			return nil, openError("sqlite", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, openError("sqlite", err)
		}
		stores.closers = append(stores.closers, func(context.Context) error { return db.Close() })
		stores.Outcomes = effect.NewSQLOutcomeStore(db, cfg.SQLite.Table)
		stores.Snapshots = progress.NewSQLSnapshotStore(db, progress.DefaultSnapshotTable)
	case config.DriverMongo:
		client, err := NewMongoClient(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		stores.closers = append(stores.closers, client.Close)
		outcomes := effect.NewMongoOutcomeStore(client.Collection(effect.DefaultOutcomeCollection), cfg.Mongo.QueryTimeout)
		if err := outcomes.EnsureIndexes(ctx); err != nil {
			logger.Warn("failed to create outcome indexes: %v", err)
		}
		stores.Outcomes = outcomes
		stores.Snapshots = progress.NewMongoSnapshotStore(client.Collection(progress.DefaultSnapshotCollection), cfg.Mongo.QueryTimeout)
	default:
		return nil, openError(cfg.Driver, fmt.Errorf("unsupported driver %q", cfg.Driver))
	}

	if cfg.Redis.Addr != "" {
		rdb, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			_ = stores.Close(ctx)
			return nil, err
		}
		stores.closers = append(stores.closers, func(context.Context) error { return rdb.Close() })
		stores.Snapshots = progress.NewRedisSnapshotStore(progress.NewGoRedisClient(rdb), ttl)
	}

	logging.With(logger, map[string]any{"driver": cfg.Driver, "redis": cfg.Redis.Addr != ""}).
		Debug("storage opened")
	return stores, nil
}

// MongoClient wraps a connected client and its database.
type MongoClient struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoClient connects and pings the configured server.
func NewMongoClient(ctx context.Context, cfg config.MongoConfig) (*MongoClient, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, openError("mongo", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
	defer pingCancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, openError("mongo", err)
	}

	return &MongoClient{client: client, database: client.Database(cfg.Database)}, nil
}

// Collection returns a collection from the database.
func (c *MongoClient) Collection(name string) *mongo.Collection {
	return c.database.Collection(name)
}

// Close disconnects from MongoDB.
func (c *MongoClient) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// NewRedisClient connects and pings the configured server.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, openError("redis", err)
	}
	return client, nil
}

func openError(driver string, err error) error {
	return errors.Wrap(err, errors.CategoryExternal, "failed to open "+driver+" storage").
		WithTextCode(ErrCodeOpen).
		WithMetadata(map[string]any{"driver": driver})
}
