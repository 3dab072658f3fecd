package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriole-im/oriole/config"
	"github.com/oriole-im/oriole/logger"
)

//go:embed schema.sql
var schema string

// Database wraps separate read and write connection pools. When no read
// endpoint is configured both fields point at the same pool.
type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool
}

func buildPool(ctx context.Context, ep *config.DatabaseEndpointConfig) (*pgxpool.Pool, error) {
	sslMode := "disable"
	if ep.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		ep.User, ep.Password, ep.Host, ep.Port, ep.Name, sslMode)

	logger.Infof("connecting to database postgres://%s@%s:%s/%s?sslmode=%s",
		ep.User, ep.Host, ep.Port, ep.Name, sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if ep.MaxConns > 0 {
		poolConfig.MaxConns = int32(ep.MaxConns)
	}
	if ep.MinConns > 0 {
		poolConfig.MinConns = int32(ep.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	return pool, nil
}

// NewDatabaseFromConfig creates read and write pools from the configured
// endpoints and applies the embedded schema.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	writePool, err := buildPool(ctx, dbConfig.Write)
	if err != nil {
		return nil, err
	}

	readPool := writePool
	if dbConfig.Read != nil {
		readPool, err = buildPool(ctx, dbConfig.Read)
		if err != nil {
			writePool.Close()
			return nil, err
		}
	}

	db := &Database{
		WritePool: writePool,
		ReadPool:  readPool,
	}

	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.WritePool.Exec(ctx, schema)
	return err
}

// StartPoolMonitor periodically logs pool saturation. Useful when read and
// write traffic are split across endpoints.
func (db *Database) StartPoolMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.WritePool.Stat()
				logger.Debug("database pool stats",
					"total", stats.TotalConns(),
					"idle", stats.IdleConns(),
					"in_use", stats.AcquiredConns())
			}
		}
	}()
}
