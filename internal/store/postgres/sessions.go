package postgres

import (
	"context"
	"errors"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}
