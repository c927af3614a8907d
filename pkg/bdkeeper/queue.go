package bdkeeper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/syncerr"
)

// Enqueue appends a pending operation with the next sequence id and returns
// the stored operation.
func (k *Keeper) Enqueue(ctx context.Context, table string, action models.Action, payload map[string]any, scopeID string) (models.PendingOperation, error) {
	if _, err := mirrorTable(table); err != nil {
		return models.PendingOperation{}, err
	}
	if !action.Valid() {
		return models.PendingOperation{}, fmt.Errorf("unknown action %q", action)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.PendingOperation{}, err
	}
	enqueuedAt := now()
	res, err := k.db.ExecContext(ctx,
		"INSERT INTO sync_queue (table_name, action, payload, scope_id, enqueued_at) VALUES (?, ?, ?, ?, ?)",
		table, string(action), string(raw), scopeID, enqueuedAt)
	if err != nil {
		return models.PendingOperation{}, storageErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.PendingOperation{}, storageErr(err)
	}
	return models.PendingOperation{
		ID:         id,
		Table:      table,
		Action:     action,
		Payload:    payload,
		ScopeID:    scopeID,
		EnqueuedAt: parseTime(enqueuedAt),
	}, nil
}

// ListOrdered returns every pending operation in enqueue order. The id order
// is the replay order; it is load-bearing for correctness.
func (k *Keeper) ListOrdered(ctx context.Context) ([]models.PendingOperation, error) {
	rows, err := k.db.QueryContext(ctx,
		"SELECT id, table_name, action, payload, scope_id, enqueued_at FROM sync_queue ORDER BY id")
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var ops []models.PendingOperation
	for rows.Next() {
		var op models.PendingOperation
		var action, payload, enqueuedAt string
		if err := rows.Scan(&op.ID, &op.Table, &action, &payload, &op.ScopeID, &enqueuedAt); err != nil {
			return nil, storageErr(err)
		}
		op.Action = models.Action(action)
		op.EnqueuedAt = parseTime(enqueuedAt)
		op.Payload = make(map[string]any)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, fmt.Errorf("%w: undecodable queue payload: %v", syncerr.ErrStorageCorrupt, err)
		}
		ops = append(ops, op)
	}
	return ops, storageErr(rows.Err())
}

// Remove deletes one queue entry. Removing an id that is already gone is a
// no-op, not an error.
func (k *Keeper) Remove(ctx context.Context, operationID int64) error {
	_, err := k.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", operationID)
	return storageErr(err)
}

// PendingByTable returns the number of queued operations per table.
func (k *Keeper) PendingByTable(ctx context.Context) (map[string]int, error) {
	rows, err := k.db.QueryContext(ctx,
		"SELECT table_name, COUNT(*) FROM sync_queue GROUP BY table_name")
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, storageErr(err)
		}
		counts[table] = n
	}
	return counts, storageErr(rows.Err())
}

// RewriteQueuedKey replaces a temporary primary key with the server-assigned
// one in every still-queued payload of the given table, so that operations
// queued against a placeholder row target the real row once it exists.
func (k *Keeper) RewriteQueuedKey(ctx context.Context, table string, tempKey string, realKey string) error {
	rows, err := k.db.QueryContext(ctx,
		"SELECT id, payload FROM sync_queue WHERE table_name = ?", table)
	if err != nil {
		return storageErr(err)
	}
	defer rows.Close()

	type rewrite struct {
		id      int64
		payload string
	}
	var rewrites []rewrite
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return storageErr(err)
		}
		payload := make(map[string]any)
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return fmt.Errorf("%w: undecodable queue payload: %v", syncerr.ErrStorageCorrupt, err)
		}
		if models.KeyString(payload["id"]) != tempKey {
			continue
		}
		payload["id"] = realKey
		updated, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		rewrites = append(rewrites, rewrite{id: id, payload: string(updated)})
	}
	if err := rows.Err(); err != nil {
		return storageErr(err)
	}

	for _, rw := range rewrites {
		if _, err := k.db.ExecContext(ctx,
			"UPDATE sync_queue SET payload = ? WHERE id = ?", rw.payload, rw.id); err != nil {
			return storageErr(err)
		}
	}
	return nil
}
