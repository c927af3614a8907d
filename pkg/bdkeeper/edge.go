package bdkeeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/retailpoint/storesync/pkg/models"
)

// ErrCacheMiss is returned when no response is cached for a request identity.
var ErrCacheMiss = errors.New("response cache miss")

// PutCacheEntry stores one response for (method, url) within a generation,
// replacing any previous one.
func (k *Keeper) PutCacheEntry(ctx context.Context, e models.CacheEntry) error {
	headers, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	_, err = k.db.ExecContext(ctx,
		`INSERT INTO response_cache (method, url, generation, status, headers, body, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(method, url, generation) DO UPDATE SET
			status = excluded.status, headers = excluded.headers,
			body = excluded.body, fetched_at = excluded.fetched_at`,
		e.Method, e.URL, e.Generation, e.Status, string(headers), e.Body, now())
	return storageErr(err)
}

// GetCacheEntry fetches the cached response for a request identity.
func (k *Keeper) GetCacheEntry(ctx context.Context, method, url, generation string) (models.CacheEntry, error) {
	e := models.CacheEntry{Method: method, URL: url, Generation: generation}
	var headers sql.NullString
	var fetchedAt string
	err := k.db.QueryRowContext(ctx,
		`SELECT status, headers, body, fetched_at FROM response_cache
			WHERE method = ? AND url = ? AND generation = ?`,
		method, url, generation).Scan(&e.Status, &headers, &e.Body, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, ErrCacheMiss
	}
	if err != nil {
		return models.CacheEntry{}, storageErr(err)
	}
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &e.Header); err != nil {
			e.Header = nil
		}
	}
	e.FetchedAt = parseTime(fetchedAt)
	return e, nil
}

// DeleteCacheEntry invalidates one cached response.
func (k *Keeper) DeleteCacheEntry(ctx context.Context, method, url, generation string) error {
	_, err := k.db.ExecContext(ctx,
		"DELETE FROM response_cache WHERE method = ? AND url = ? AND generation = ?",
		method, url, generation)
	return storageErr(err)
}

// PurgeGenerations removes every cached response whose generation is not in
// the allow-list. Called on activation of a new edge version.
func (k *Keeper) PurgeGenerations(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		_, err := k.db.ExecContext(ctx, "DELETE FROM response_cache")
		return storageErr(err)
	}
	placeholders := strings.Repeat("?,", len(keep)-1) + "?"
	args := make([]any, len(keep))
	for i, g := range keep {
		args[i] = g
	}
	_, err := k.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM response_cache WHERE generation NOT IN (%s)", placeholders),
		args...)
	return storageErr(err)
}

// OutboxPut stores a mutating request for durable retry. A request with the
// same identity replaces the previous body but keeps the original first-try
// time, so the retention window is measured from the first attempt.
func (k *Keeper) OutboxPut(ctx context.Context, e models.OutboxEntry) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO outbox (method, url, content_type, body, first_tried_at, last_error)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(method, url) DO UPDATE SET
			content_type = excluded.content_type, body = excluded.body,
			last_error = excluded.last_error`,
		e.Method, e.URL, e.ContentType, e.Body, now(), e.LastError)
	return storageErr(err)
}

// OutboxList returns every retryable request in first-try order.
func (k *Keeper) OutboxList(ctx context.Context) ([]models.OutboxEntry, error) {
	rows, err := k.db.QueryContext(ctx,
		"SELECT id, method, url, content_type, body, first_tried_at, last_error FROM outbox ORDER BY id")
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		var contentType, lastError sql.NullString
		var firstTriedAt string
		if err := rows.Scan(&e.ID, &e.Method, &e.URL, &contentType, &e.Body, &firstTriedAt, &lastError); err != nil {
			return nil, storageErr(err)
		}
		e.ContentType = contentType.String
		e.LastError = lastError.String
		e.FirstTriedAt = parseTime(firstTriedAt)
		entries = append(entries, e)
	}
	return entries, storageErr(rows.Err())
}

// OutboxRemove deletes one outbox entry. Idempotent.
func (k *Keeper) OutboxRemove(ctx context.Context, id int64) error {
	_, err := k.db.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id)
	return storageErr(err)
}

// OutboxMarkError records the latest failure for an entry.
func (k *Keeper) OutboxMarkError(ctx context.Context, id int64, msg string) error {
	_, err := k.db.ExecContext(ctx, "UPDATE outbox SET last_error = ? WHERE id = ?", msg, id)
	return storageErr(err)
}
