package bdkeeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/retailpoint/storesync/pkg/models"
)

// SaveSession stores the authorization snapshot of a successful online
// login, superseding any previous session for the same identity wholesale.
func (k *Keeper) SaveSession(ctx context.Context, s models.Session) error {
	grants, err := json.Marshal(s.Grants)
	if err != nil {
		return err
	}
	_, err = k.db.ExecContext(ctx,
		`INSERT INTO sessions (email, store_id, role, verifier, grants, user_id, owner_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(email, store_id, role) DO UPDATE SET
			verifier = excluded.verifier, grants = excluded.grants,
			user_id = excluded.user_id, owner_id = excluded.owner_id,
			updated_at = excluded.updated_at`,
		s.Email, s.StoreID, s.Role, s.Verifier, string(grants), s.UserID, s.OwnerID, now())
	return storageErr(err)
}

// GetSession looks up the cached session for (email, storeID, role).
func (k *Keeper) GetSession(ctx context.Context, email, storeID, role string) (models.Session, error) {
	var s models.Session
	var grants sql.NullString
	var updatedAt string
	err := k.db.QueryRowContext(ctx,
		`SELECT email, store_id, role, verifier, grants, user_id, owner_id, updated_at
			FROM sessions WHERE email = ? AND store_id = ? AND role = ?`,
		email, storeID, role).
		Scan(&s.Email, &s.StoreID, &s.Role, &s.Verifier, &grants, &s.UserID, &s.OwnerID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, storageErr(err)
	}
	if grants.Valid && grants.String != "" {
		if err := json.Unmarshal([]byte(grants.String), &s.Grants); err != nil {
			s.Grants = nil
		}
	}
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}
