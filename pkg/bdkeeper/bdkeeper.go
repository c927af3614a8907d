// Package bdkeeper owns all durable device-local state: the mirror tables of
// the remote service, the pending-operation queue, the offline session store
// and the network edge's response cache and outbox.
package bdkeeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose"

	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/syncerr"
)

var (
	// ErrRecordNotFound is returned when a key is absent from a mirror table.
	ErrRecordNotFound = errors.New("record not found")

	// ErrSessionNotFound is returned when no session is cached for an
	// identity. Callers must not leak the distinction to users.
	ErrSessionNotFound = errors.New("session not found")
)

// Keeper wraps the local SQLite database. It is constructed with an already
// opened handle so tests can inject an in-memory database.
type Keeper struct {
	db *sql.DB
}

// NewKeeper wraps db. The schema is expected to be in place.
func NewKeeper(db *sql.DB) *Keeper {
	return &Keeper{db: db}
}

// Open opens the database at path and applies pending migrations from
// migrationsDir.
func Open(path string, migrationsDir string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, err
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Close releases the underlying handle.
func (k *Keeper) Close() error {
	return k.db.Close()
}

// storageErr maps low-level SQLite failures onto the storage taxonomy so
// callers can degrade to network-only mode on corruption.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return fmt.Errorf("%w: %v", syncerr.ErrStorageFull, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %v", syncerr.ErrStorageCorrupt, err)
		}
	}
	return err
}

// mirrorTable validates a table name against the registry. Table names are
// interpolated into SQL and must never come from user input unchecked.
func mirrorTable(table string) (models.Schema, error) {
	return models.SchemaFor(table)
}

// UpsertRecord replaces any record sharing rec.Key in rec.Table.
func (k *Keeper) UpsertRecord(ctx context.Context, rec models.Record) error {
	schema, err := mirrorTable(rec.Table)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	scope := ""
	if schema.ScopeField != "" {
		scope = models.KeyString(rec.Fields[schema.ScopeField])
	}
	_, err = k.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, scope_id, payload, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET scope_id = excluded.scope_id,
			payload = excluded.payload, updated_at = excluded.updated_at`, rec.Table),
		rec.Key, scope, string(payload), now())
	return storageErr(err)
}

// BulkUpsert applies UpsertRecord per record. A failing record does not
// prevent the rest from being applied; the errors are joined.
func (k *Keeper) BulkUpsert(ctx context.Context, table string, recs []models.Record) error {
	var errs []error
	for _, rec := range recs {
		rec.Table = table
		if rec.Key == "" {
			rec.Key = models.KeyString(rec.Fields["id"])
		}
		if rec.Key == "" {
			errs = append(errs, fmt.Errorf("table %s: record without key skipped", table))
			continue
		}
		if err := k.UpsertRecord(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetRecord fetches one record by key.
func (k *Keeper) GetRecord(ctx context.Context, table string, key string) (models.Record, error) {
	if _, err := mirrorTable(table); err != nil {
		return models.Record{}, err
	}
	var payload string
	err := k.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE key = ?", table), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Record{}, fmt.Errorf("table %s key %s: %w", table, key, ErrRecordNotFound)
	}
	if err != nil {
		return models.Record{}, storageErr(err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return models.Record{}, fmt.Errorf("%w: undecodable payload: %v", syncerr.ErrStorageCorrupt, err)
	}
	return models.Record{Table: table, Key: key, Fields: fields}, nil
}

// QueryByScope returns every record of table whose scope column equals
// scopeValue, in key order. An empty scopeValue returns the whole table.
func (k *Keeper) QueryByScope(ctx context.Context, table string, scopeValue string) ([]models.Record, error) {
	if _, err := mirrorTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT key, payload FROM %s ORDER BY key", table)
	args := []any{}
	if scopeValue != "" {
		query = fmt.Sprintf("SELECT key, payload FROM %s WHERE scope_id = ? ORDER BY key", table)
		args = append(args, scopeValue)
	}
	rows, err := k.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var recs []models.Record
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, storageErr(err)
		}
		fields := make(map[string]any)
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return nil, fmt.Errorf("%w: undecodable payload: %v", syncerr.ErrStorageCorrupt, err)
		}
		recs = append(recs, models.Record{Table: table, Key: key, Fields: fields})
	}
	return recs, storageErr(rows.Err())
}

// DeleteRecord removes one record by key. Deleting an absent key is a no-op.
func (k *Keeper) DeleteRecord(ctx context.Context, table string, key string) error {
	if _, err := mirrorTable(table); err != nil {
		return err
	}
	_, err := k.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key)
	return storageErr(err)
}

// ReplaceScope overwrites the cached rows of one table/scope with a fresh
// authoritative set, atomically.
func (k *Keeper) ReplaceScope(ctx context.Context, table string, scopeValue string, recs []models.Record) error {
	schema, err := mirrorTable(table)
	if err != nil {
		return err
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()

	if scopeValue != "" {
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE scope_id = ?", table), scopeValue)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table))
	}
	if err != nil {
		return storageErr(err)
	}

	for _, rec := range recs {
		key := rec.Key
		if key == "" {
			key = models.KeyString(rec.Fields["id"])
		}
		payload, err := json.Marshal(rec.Fields)
		if err != nil {
			return err
		}
		scope := ""
		if schema.ScopeField != "" {
			scope = models.KeyString(rec.Fields[schema.ScopeField])
		}
		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (key, scope_id, payload, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET scope_id = excluded.scope_id,
				payload = excluded.payload, updated_at = excluded.updated_at`, table),
			key, scope, string(payload), now())
		if err != nil {
			return storageErr(err)
		}
	}
	return storageErr(tx.Commit())
}

// ClearTable drops every cached row of one mirror table.
func (k *Keeper) ClearTable(ctx context.Context, table string) error {
	if _, err := mirrorTable(table); err != nil {
		return err
	}
	_, err := k.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table))
	return storageErr(err)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
