package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/retailpoint/storesync/pkg/bdkeeper"
	"github.com/retailpoint/storesync/pkg/models"
	"github.com/retailpoint/storesync/pkg/passhash"
	"github.com/retailpoint/storesync/pkg/syncerr"
)

// LoginSnapshot is what a successful ONLINE authentication hands the engine
// so the device can work offline afterwards.
type LoginSnapshot struct {
	Email    string
	Password string
	StoreID  string
	Role     string
	UserID   string
	OwnerID  string
	// Grants is the feature/dashboard snapshot in whatever shape the remote
	// stores it (JSON array or comma string).
	Grants any
}

// SaveLogin stores the session for offline login and mirrors the scope's
// tables into the local cache. Table snapshot failures are logged and do not
// abort the rest, matching a best-effort warm-up.
func (s *Service) SaveLogin(ctx context.Context, snap LoginSnapshot) (models.Session, error) {
	verifier, err := passhash.Hash(snap.Password)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to derive verifier: %w", err)
	}
	session := models.Session{
		Email:    snap.Email,
		StoreID:  snap.StoreID,
		Role:     snap.Role,
		Verifier: verifier,
		Grants:   models.NormalizeGrants(snap.Grants),
		UserID:   snap.UserID,
		OwnerID:  snap.OwnerID,
	}
	if err := s.keeper.SaveSession(ctx, session); err != nil {
		if errors.Is(err, syncerr.ErrStorageCorrupt) || errors.Is(err, syncerr.ErrStorageFull) {
			s.degrade(err)
		}
		return models.Session{}, err
	}

	s.snapshotTables(ctx, snap.StoreID)
	return session, nil
}

// snapshotTables mirrors every registered table for the scope so reads work
// offline immediately after login.
func (s *Service) snapshotTables(ctx context.Context, storeID string) {
	if s.NetworkOnly() || !s.monitor.Online() {
		return
	}
	for _, table := range models.TableNames() {
		schema := models.Tables[table]

		callCtx, cancel := s.remoteCtx(ctx)
		rows, err := s.remote.Select(callCtx, table, scopeFilter(schema, storeID))
		cancel()
		if err != nil {
			s.log.Warnf("failed to snapshot table %s: %v", table, err)
			continue
		}

		recs := make([]models.Record, 0, len(rows))
		for _, row := range rows {
			recs = append(recs, models.Record{Table: table, Key: models.KeyString(row["id"]), Fields: row})
		}
		lock := s.lockTable(table)
		lock.Lock()
		s.cacheWrite(func() error { return s.keeper.BulkUpsert(ctx, table, recs) })
		lock.Unlock()
	}
}

// AuthenticateOffline verifies a credential against the cached session for
// (email, storeID, role). A missing session and a wrong credential are
// indistinguishable to the caller; only the logs tell them apart.
func (s *Service) AuthenticateOffline(ctx context.Context, email, password, storeID, role string) (models.Session, error) {
	session, err := s.keeper.GetSession(ctx, email, storeID, role)
	if err != nil {
		if errors.Is(err, bdkeeper.ErrSessionNotFound) {
			s.log.Warnf("offline login: no cached session for %s (store %s, role %s)", email, storeID, role)
			return models.Session{}, syncerr.ErrAuthenticationFailed
		}
		if errors.Is(err, syncerr.ErrStorageCorrupt) || errors.Is(err, syncerr.ErrStorageFull) {
			s.degrade(err)
		}
		return models.Session{}, err
	}
	if !passhash.Compare(session.Verifier, password) {
		s.log.Warnf("offline login: credential mismatch for %s (store %s, role %s)", email, storeID, role)
		return models.Session{}, syncerr.ErrAuthenticationFailed
	}
	return session, nil
}
