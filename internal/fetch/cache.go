// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Cache is the fetcher's on-disk attrs/fact cache, per spec §4.5: a
// locked-input-attrs to (infoAttrs, store path, expiry) table, and a
// separate arbitrary key-value fact table (used e.g. for
// gitRevToTreeHash lookups).
type Cache struct {
	pool *sqlitemigration.Pool
}

var cacheSchema = sqlitemigration.Schema{
	Migrations: []string{
		`CREATE TABLE attrs_cache (
			locked_attrs TEXT PRIMARY KEY,
			info_attrs TEXT NOT NULL,
			store_path TEXT NOT NULL,
			ttl INTEGER NOT NULL,
			inserted_at INTEGER NOT NULL
		);
		CREATE TABLE fact_cache (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	},
}

// NewCache opens (creating if necessary) the cache database at dbPath.
// Callers are responsible for calling [Cache.Close].
func NewCache(dbPath string) *Cache {
	return &Cache{
		pool: sqlitemigration.NewPool(dbPath, cacheSchema, sqlitemigration.Options{
			Flags: sqlite.OpenCreate | sqlite.OpenReadWrite,
		}),
	}
}

// Close releases the cache's database connections.
func (c *Cache) Close() error {
	return c.pool.Close()
}

// AttrsCacheEntry is a row in the attrs cache.
type AttrsCacheEntry struct {
	InfoAttrs string
	StorePath string
	Expired   bool
}

// LookupAttrs returns the cached entry for lockedAttrs, or nil if there
// is none. An entry whose TTL has elapsed relative to now is still
// returned, with Expired set.
func (c *Cache) LookupAttrs(ctx context.Context, lockedAttrs string, now time.Time) (*AttrsCacheEntry, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch cache: lookup attrs: %v", err)
	}
	defer c.pool.Put(conn)

	var entry *AttrsCacheEntry
	err = sqlitex.ExecuteTransient(conn, `SELECT info_attrs, store_path, ttl, inserted_at FROM attrs_cache WHERE locked_attrs = :locked_attrs;`, &sqlitex.ExecOptions{
		Named: map[string]any{":locked_attrs": lockedAttrs},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ttl := stmt.GetInt64("ttl")
			insertedAt := stmt.GetInt64("inserted_at")
			expired := ttl >= 0 && now.Unix() > insertedAt+ttl
			entry = &AttrsCacheEntry{
				InfoAttrs: stmt.GetText("info_attrs"),
				StorePath: stmt.GetText("store_path"),
				Expired:   expired,
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch cache: lookup attrs: %v", err)
	}
	return entry, nil
}

// StoreAttrs records lockedAttrs' resolved infoAttrs and store path,
// with a TTL in seconds (negative means never expires).
func (c *Cache) StoreAttrs(ctx context.Context, lockedAttrs, infoAttrs, storePath string, ttl int64, now time.Time) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("fetch cache: store attrs: %v", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, `INSERT INTO attrs_cache (locked_attrs, info_attrs, store_path, ttl, inserted_at)
		VALUES (:locked_attrs, :info_attrs, :store_path, :ttl, :inserted_at)
		ON CONFLICT (locked_attrs) DO UPDATE SET
			info_attrs = excluded.info_attrs,
			store_path = excluded.store_path,
			ttl = excluded.ttl,
			inserted_at = excluded.inserted_at;`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":locked_attrs": lockedAttrs,
			":info_attrs":   infoAttrs,
			":store_path":   storePath,
			":ttl":          ttl,
			":inserted_at":  now.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("fetch cache: store attrs: %v", err)
	}
	return nil
}

// RefreshLastModified bumps lockedAttrs' inserted_at to now without
// refetching, per original tarball.cc's "tarball TTL" behavior: a hit
// against an unexpired entry still refreshes the clock.
func (c *Cache) RefreshLastModified(ctx context.Context, lockedAttrs string, now time.Time) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("fetch cache: refresh: %v", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, `UPDATE attrs_cache SET inserted_at = :inserted_at WHERE locked_attrs = :locked_attrs;`, &sqlitex.ExecOptions{
		Named: map[string]any{":inserted_at": now.Unix(), ":locked_attrs": lockedAttrs},
	})
	if err != nil {
		return fmt.Errorf("fetch cache: refresh: %v", err)
	}
	return nil
}

// Fact returns the cached value for key, if any.
func (c *Cache) Fact(ctx context.Context, key string) (string, bool, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return "", false, fmt.Errorf("fetch cache: fact: %v", err)
	}
	defer c.pool.Put(conn)

	var value string
	found := false
	err = sqlitex.ExecuteTransient(conn, `SELECT value FROM fact_cache WHERE key = :key;`, &sqlitex.ExecOptions{
		Named: map[string]any{":key": key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.GetText("value")
			found = true
			return nil
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("fetch cache: fact: %v", err)
	}
	return value, found, nil
}

// SetFact records value for key, e.g. a Git revision's resolved tree
// hash (gitRevToTreeHash).
func (c *Cache) SetFact(ctx context.Context, key, value string) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("fetch cache: set fact: %v", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, `INSERT INTO fact_cache (key, value) VALUES (:key, :value)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value;`, &sqlitex.ExecOptions{
		Named: map[string]any{":key": key, ":value": value},
	})
	if err != nil {
		return fmt.Errorf("fetch cache: set fact: %v", err)
	}
	return nil
}
