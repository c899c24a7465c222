// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execlock

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tryLockSQL = `SELECT pg_try_advisory_lock($1)`
	unlockSQL  = `SELECT pg_advisory_unlock($1)`
)

var errNotHeld = errors.New("advisory lock was not held by this session")

// AdvisoryKey maps a lock key to the signed 64-bit advisory lock id.
func AdvisoryKey(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

// Conn is the slice of a pooled connection used by PostgresStore.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row

	// Release returns the connection to the pool.
	Release()

	// Discard closes the connection so that the pool never hands out a
	// session that may still hold an advisory lock.
	Discard(ctx context.Context)
}

// Pool hands out dedicated connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PostgresStore implements Store with Postgres session-scoped advisory locks.
//
// # Description
//
// Advisory locks belong to the session that took them, so the connection
// that ran pg_try_advisory_lock is held out of the pool until the same
// connection runs pg_advisory_unlock. When the session state is uncertain (a
// query error after the lock may have been taken, or a failed unlock) the
// connection is closed instead of returned, which drops the session and
// every lock it held.
//
// # Thread Safety
//
// Safe for concurrent use.
type PostgresStore struct {
	pool Pool
}

// NewPostgresStore creates a store over a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return NewPostgresStoreWithPool(pgxPool{pool})
}

// NewPostgresStoreWithPool creates a store over any Pool.
func NewPostgresStoreWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// TryLock runs pg_try_advisory_lock on a dedicated connection.
func (s *PostgresStore) TryLock(ctx context.Context, key string) (Handle, bool, error) {
	id := AdvisoryKey(key)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryLockSQL, id).Scan(&acquired); err != nil {
		conn.Discard(ctx)
		conn.Release()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}
	return &advisoryHandle{conn: conn, id: id}, true, nil
}

type advisoryHandle struct {
	conn Conn
	id   int64
}

// Unlock runs pg_advisory_unlock on the connection that took the lock and
// returns it to the pool.
func (h *advisoryHandle) Unlock(ctx context.Context) error {
	defer h.conn.Release()

	var released bool
	if err := h.conn.QueryRow(ctx, unlockSQL, h.id).Scan(&released); err != nil {
		h.conn.Discard(ctx)
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if !released {
		h.conn.Discard(ctx)
		return errNotHeld
	}
	return nil
}

// pgxPool adapts *pgxpool.Pool to Pool.
type pgxPool struct {
	pool *pgxpool.Pool
}

func (p pgxPool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pgxConn{c}, nil
}

type pgxConn struct {
	*pgxpool.Conn
}

// Discard closes the underlying connection; the following Release then
// destroys it instead of returning it to the pool.
func (c pgxConn) Discard(ctx context.Context) {
	_ = c.Conn.Conn().Close(ctx)
}
