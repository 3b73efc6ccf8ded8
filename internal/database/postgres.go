// Package database is the Postgres persistence layer: one client, embedded
// migrations, and a store per table. All durable state lives here; every
// status transition goes through a store method so the transition tables in
// internal/core are the only way state changes.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/signalswap/backend/internal/core"
)

// DB wraps the sql connection pool shared by all stores.
type DB struct {
	conn   *sql.DB
	logger *log.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", core.ErrStoreFailure, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", core.ErrStoreFailure, err)
	}

	db := &DB{
		conn:   conn,
		logger: log.New(log.Writer(), "[DB] ", log.LstdFlags),
	}
	db.logger.Printf("✅ Postgres connected")
	return db, nil
}

// Conn exposes the underlying pool for the stores.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close shuts down the pool.
func (db *DB) Close() error { return db.conn.Close() }

// serializableTx runs fn inside a SERIALIZABLE transaction, committing on nil.
func (db *DB) serializableTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", core.ErrStoreFailure, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", core.ErrStoreFailure, err)
	}
	return nil
}
