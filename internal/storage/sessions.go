package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

// newSessionToken mints an unguessable bearer token. Tokens carry no
// structure, the sessions table is the only way to resolve them.
func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}

// CreateSession issues an opaque bearer token for the user.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, ttl time.Duration) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}

	sql := "insert into sessions (token, user_id, expires_at) values ($1, $2, $3)"
	_, err = s.db.Exec(ctx, sql, token, userID, time.Now().Add(ttl))
	if err != nil {
		return "", err
	}

	return token, nil
}

// UserIDByToken resolves a bearer token to the owning user id. Expired or
// unknown tokens yield ErrSessionNotExist.
func (s *Store) UserIDByToken(ctx context.Context, token string) (uuid.UUID, error) {
	var userID uuid.UUID
	sql := "select user_id from sessions where token = $1 and expires_at > now()"
	err := s.db.QueryRow(ctx, sql, token).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrSessionNotExist
		}
		return uuid.Nil, err
	}

	return userID, nil
}
