package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlassets "github.com/damien-schneider/reflect-os/database"
	platformauth "github.com/damien-schneider/reflect-os/platform/go/auth"
	"github.com/damien-schneider/reflect-os/platform/go/rowstore"
)

// SessionStore resolves cookie session tokens against the session table.
// Sessions are written by the identity service; this layer only reads them.
type SessionStore struct {
	store rowstore.Store
	now   func() time.Time
}

func NewSessionStore(store rowstore.Store) *SessionStore {
	return &SessionStore{store: store, now: time.Now}
}

// LookupSession returns the user id of an unexpired session.
func (s *SessionStore) LookupSession(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.store.WithReadTx(ctx, func(ctx context.Context, tx rowstore.Tx) error {
		row, err := tx.Get(ctx, sqlassets.Session, token)
		if err != nil {
			return err
		}
		expiresAt, _ := row["expires_at"].(int64)
		if expiresAt <= s.now().UnixMilli() {
			return platformauth.ErrSessionNotFound
		}
		userID, _ = row["user_id"].(string)
		return nil
	})
	switch {
	case errors.Is(err, rowstore.ErrRowNotFound):
		return "", platformauth.ErrSessionNotFound
	case err != nil:
		if errors.Is(err, platformauth.ErrSessionNotFound) {
			return "", err
		}
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if userID == "" {
		return "", platformauth.ErrSessionNotFound
	}
	return userID, nil
}
