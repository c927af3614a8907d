// Package services implements the sync coordinator: the single entry point
// UI collaborators use to read and write mirrored tables, online or offline.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/retailpoint/storesync/pkg/bdkeeper"
	"github.com/retailpoint/storesync/pkg/connectivity"
	"github.com/retailpoint/storesync/pkg/logger"
	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/remote"
	"github.com/retailpoint/storesync/pkg/syncerr"
	"github.com/retailpoint/storesync/pkg/syncinfo"
)

// RemoteService is the surface of the hosted data service the coordinator
// needs. *remote.Client implements it.
type RemoteService interface {
	Select(ctx context.Context, table string, filter map[string]string) ([]map[string]any, error)
	Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error)
	Update(ctx context.Context, table string, key string, partial map[string]any) (map[string]any, error)
	Delete(ctx context.Context, table string, key string) error
}

// Service coordinates the local mirror, the pending queue and the remote
// service. It is the sole writer of both local stores during replay.
type Service struct {
	keeper  *bdkeeper.Keeper
	remote  RemoteService
	monitor *connectivity.Monitor
	syncMgr *syncinfo.Manager
	log     logger.LoggerInterface
	timeout time.Duration

	// Notify delivers user-visible messages, e.g. toasts or console lines.
	// Optional.
	Notify func(msg string)

	mu          sync.Mutex
	tableLocks  map[string]*sync.Mutex
	networkOnly bool

	drainMu  sync.Mutex
	draining bool
}

// NewServices wires the coordinator. syncMgr may be nil when last-sync
// bookkeeping is not wanted (tests).
func NewServices(keeper *bdkeeper.Keeper, rs RemoteService, monitor *connectivity.Monitor,
	syncMgr *syncinfo.Manager, log logger.LoggerInterface, timeout time.Duration) *Service {
	return &Service{
		keeper:     keeper,
		remote:     rs,
		monitor:    monitor,
		syncMgr:    syncMgr,
		log:        log,
		timeout:    timeout,
		tableLocks: make(map[string]*sync.Mutex),
	}
}

// AutoDrain subscribes to the connectivity signal so every offline→online
// transition starts a queue drain.
func (s *Service) AutoDrain(ctx context.Context) {
	s.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := s.DrainQueue(ctx); err != nil {
				s.log.Errorf("drain after reconnect failed: %v", err)
			}
		}()
	})
}

// lockTable serializes all mutations of one table: a UI write and a queue
// replay on the same table never interleave.
func (s *Service) lockTable(table string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.tableLocks[table]
	if !ok {
		lock = &sync.Mutex{}
		s.tableLocks[table] = lock
	}
	return lock
}

// remoteCtx bounds one remote call. A timeout is a connectivity failure,
// never a rejection.
func (s *Service) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// degrade flips the engine to network-only mode after a local storage
// failure. Cached state stops being written but online traffic continues.
func (s *Service) degrade(err error) {
	s.mu.Lock()
	already := s.networkOnly
	s.networkOnly = true
	s.mu.Unlock()
	if !already {
		s.log.Errorf("local storage failed, degrading to network-only mode: %v", err)
		s.notify("Local storage is unavailable; changes will not be saved for offline use.")
	}
}

// NetworkOnly reports whether the engine degraded after a storage failure.
func (s *Service) NetworkOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.networkOnly
}

func (s *Service) cacheWrite(fn func() error) {
	if s.NetworkOnly() {
		return
	}
	if err := fn(); err != nil {
		if errors.Is(err, syncerr.ErrStorageCorrupt) || errors.Is(err, syncerr.ErrStorageFull) {
			s.degrade(err)
			return
		}
		s.log.Warnf("local cache write failed: %v", err)
	}
}

func (s *Service) notify(msg string) {
	if s.Notify != nil {
		s.Notify(msg)
	}
}

// WriteResult is the outcome of a Write: the stored record plus whether it
// was queued for later replay instead of applied remotely.
type WriteResult struct {
	Record models.Record
	Queued bool
}

// Write validates and applies one logical operation against a named table.
// Online it goes straight to the remote service; offline it is queued and
// the local cache is updated optimistically.
func (s *Service) Write(ctx context.Context, table string, action models.Action, payload map[string]any, scopeID string) (WriteResult, error) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		return WriteResult{}, err
	}
	if !action.Valid() {
		return WriteResult{}, fmt.Errorf("unknown action %q", action)
	}

	key := models.KeyString(payload["id"])
	switch action {
	case models.ActionInsert, models.ActionUpdate:
		if err := schema.Validate(payload); err != nil {
			return WriteResult{}, err
		}
		if action == models.ActionUpdate && key == "" {
			return WriteResult{}, &syncerr.ValidationError{Table: table, Field: "id"}
		}
	case models.ActionDelete:
		if key == "" {
			return WriteResult{}, &syncerr.ValidationError{Table: table, Field: "id"}
		}
	}

	lock := s.lockTable(table)
	lock.Lock()
	defer lock.Unlock()

	if s.monitor.Online() {
		res, err := s.writeOnline(ctx, table, action, key, payload)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, remote.ErrNetworkUnavailable) {
			// A rejected write is surfaced, never queued.
			return WriteResult{}, err
		}
		s.monitor.Set(false)
	}

	return s.writeOffline(ctx, table, action, key, payload, scopeID)
}

func (s *Service) writeOnline(ctx context.Context, table string, action models.Action, key string, payload map[string]any) (WriteResult, error) {
	callCtx, cancel := s.remoteCtx(ctx)
	defer cancel()

	switch action {
	case models.ActionInsert:
		row, err := s.remote.Insert(callCtx, table, payload)
		if err != nil {
			return WriteResult{}, err
		}
		rec := models.Record{Table: table, Key: models.KeyString(row["id"]), Fields: row}
		s.cacheWrite(func() error { return s.keeper.UpsertRecord(ctx, rec) })
		return WriteResult{Record: rec}, nil

	case models.ActionUpdate:
		row, err := s.remote.Update(callCtx, table, key, withoutKey(payload))
		if err != nil {
			return WriteResult{}, err
		}
		rec := models.Record{Table: table, Key: models.KeyString(row["id"]), Fields: row}
		s.cacheWrite(func() error { return s.keeper.UpsertRecord(ctx, rec) })
		return WriteResult{Record: rec}, nil

	default: // delete
		if err := s.remote.Delete(callCtx, table, key); err != nil {
			return WriteResult{}, err
		}
		s.cacheWrite(func() error { return s.keeper.DeleteRecord(ctx, table, key) })
		return WriteResult{Record: models.Record{Table: table, Key: key}}, nil
	}
}

func (s *Service) writeOffline(ctx context.Context, table string, action models.Action, key string, payload map[string]any, scopeID string) (WriteResult, error) {
	if s.NetworkOnly() {
		return WriteResult{}, fmt.Errorf("cannot queue while degraded: %w", syncerr.ErrStorageCorrupt)
	}

	stored := clonePayload(payload)
	if action == models.ActionInsert && models.KeyString(stored["id"]) == "" {
		// Placeholder key so the UI can reference the row before the server
		// assigns the real one.
		stored["id"] = models.NewTempKey()
		key = models.KeyString(stored["id"])
	}

	if _, err := s.keeper.Enqueue(ctx, table, action, stored, scopeID); err != nil {
		if errors.Is(err, syncerr.ErrStorageCorrupt) || errors.Is(err, syncerr.ErrStorageFull) {
			s.degrade(err)
		}
		return WriteResult{}, err
	}

	rec := models.Record{Table: table, Key: key, Fields: stored}
	switch action {
	case models.ActionInsert, models.ActionUpdate:
		s.cacheWrite(func() error { return s.keeper.UpsertRecord(ctx, rec) })
	case models.ActionDelete:
		s.cacheWrite(func() error { return s.keeper.DeleteRecord(ctx, table, key) })
	}

	s.notify("Saved offline, will sync when back online.")
	return WriteResult{Record: rec, Queued: true}, nil
}

// ReadResult carries the rows plus a staleness signal: true means the data
// came from the local cache rather than the remote service.
type ReadResult struct {
	Records []models.Record
	Stale   bool
}

// Read returns the rows of one table scope: fresh from the remote service
// when online (overwriting the cache), cached otherwise.
func (s *Service) Read(ctx context.Context, table string, scopeID string) (ReadResult, error) {
	schema, err := models.SchemaFor(table)
	if err != nil {
		return ReadResult{}, err
	}

	lock := s.lockTable(table)
	lock.Lock()
	defer lock.Unlock()

	if s.monitor.Online() {
		callCtx, cancel := s.remoteCtx(ctx)
		rows, err := s.remote.Select(callCtx, table, scopeFilter(schema, scopeID))
		cancel()
		switch {
		case err == nil:
			recs := make([]models.Record, 0, len(rows))
			for _, row := range rows {
				recs = append(recs, models.Record{Table: table, Key: models.KeyString(row["id"]), Fields: row})
			}
			s.cacheWrite(func() error { return s.keeper.ReplaceScope(ctx, table, scopeID, recs) })
			return ReadResult{Records: recs}, nil
		case errors.Is(err, remote.ErrNetworkUnavailable):
			s.monitor.Set(false)
		default:
			return ReadResult{}, err
		}
	}

	recs, err := s.keeper.QueryByScope(ctx, table, scopeID)
	if err != nil {
		if errors.Is(err, syncerr.ErrStorageCorrupt) || errors.Is(err, syncerr.ErrStorageFull) {
			s.degrade(err)
		}
		return ReadResult{}, err
	}
	return ReadResult{Records: recs, Stale: true}, nil
}

// PendingOperations exposes the queue read-only for inspection.
func (s *Service) PendingOperations(ctx context.Context) ([]models.PendingOperation, error) {
	return s.keeper.ListOrdered(ctx)
}

// PendingByTable exposes per-table queue depths for inspection.
func (s *Service) PendingByTable(ctx context.Context) (map[string]int, error) {
	return s.keeper.PendingByTable(ctx)
}

// LastSync returns the time of the last fully successful drain.
func (s *Service) LastSync() time.Time {
	if s.syncMgr == nil {
		return time.Time{}
	}
	return s.syncMgr.Get().LastSync
}

func scopeFilter(schema models.Schema, scopeID string) map[string]string {
	if scopeID == "" {
		return nil
	}
	field := schema.ScopeField
	if field == "" {
		// Unscoped tables (stores) are addressed by primary key.
		field = "id"
	}
	return map[string]string{field: scopeID}
}

func withoutKey(payload map[string]any) map[string]any {
	partial := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "id" {
			continue
		}
		partial[k] = v
	}
	return partial
}

func clonePayload(payload map[string]any) map[string]any {
	clone := make(map[string]any, len(payload))
	for k, v := range payload {
		clone[k] = v
	}
	return clone
}
