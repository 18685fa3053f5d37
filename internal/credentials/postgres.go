package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a wa_credentials table. Payloads
// live in a BYTEA column, so binary key material survives byte-for-byte
// without any text encoding.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a Postgres-backed credential store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Read returns the stored payload, or nil when the key is absent.
func (s *PostgresStore) Read(ctx context.Context, sessionID, category, key string) ([]byte, error) {
	const query = `SELECT payload FROM wa_credentials
        WHERE session_id = $1 AND category = $2 AND key = $3`
	var payload []byte
	if err := s.db.QueryRow(ctx, query, sessionID, category, key).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return payload, nil
}

// Write upserts the payload for the key.
func (s *PostgresStore) Write(ctx context.Context, sessionID, category, key string, payload []byte) error {
	const query = `INSERT INTO wa_credentials (session_id, category, key, payload, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (session_id, category, key) DO UPDATE
        SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(ctx, query, sessionID, category, key, payload, time.Now().UTC())
	return err
}

// Delete removes a single entry; absent keys are a no-op.
func (s *PostgresStore) Delete(ctx context.Context, sessionID, category, key string) error {
	const query = `DELETE FROM wa_credentials
        WHERE session_id = $1 AND category = $2 AND key = $3`
	_, err := s.db.Exec(ctx, query, sessionID, category, key)
	return err
}

// List returns every entry of one category for the session.
func (s *PostgresStore) List(ctx context.Context, sessionID, category string) (map[string][]byte, error) {
	const query = `SELECT key, payload FROM wa_credentials
        WHERE session_id = $1 AND category = $2`
	rows, err := s.db.Query(ctx, query, sessionID, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		out[key] = payload
	}
	return out, rows.Err()
}

// Clear wipes all credentials of the session.
func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM wa_credentials WHERE session_id = $1`, sessionID)
	return err
}
