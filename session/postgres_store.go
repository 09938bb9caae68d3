package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/KingInYellow18/medianest/auth/internal/dbx"
	"github.com/KingInYellow18/medianest/auth/refresh"
)

const sessionColumns = `user_id, refresh_hash, remember_me, revoked, created_at, last_rotated_at, expires_at, revoked_at, session_id`

// PostgresStore keeps device sessions in the device_sessions table created
// by the migrations package. Rotation runs in one transaction holding the
// row lock, so concurrent swaps on a device serialise in the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db, typically opened with the pgx
// stdlib driver.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create upserts sess. The row takes the new session id, so tokens of a
// previous session on the device no longer match it.
func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	query := `
		INSERT INTO device_sessions (device_id, user_id, refresh_hash, remember_me, revoked, created_at, last_rotated_at, expires_at, revoked_at, session_id)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, NULL, $8)
		ON CONFLICT (device_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			user_id = EXCLUDED.user_id,
			refresh_hash = EXCLUDED.refresh_hash,
			remember_me = EXCLUDED.remember_me,
			revoked = FALSE,
			created_at = EXCLUDED.created_at,
			last_rotated_at = EXCLUDED.last_rotated_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.DeviceID,
		sess.UserID,
		sess.RefreshHash[:],
		sess.RememberMe,
		unixTime(sess.CreatedAt),
		unixTime(sess.LastRotatedAt),
		unixTime(sess.ExpiresAt),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the stored record for deviceID.
func (s *PostgresStore) Get(ctx context.Context, deviceID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM device_sessions WHERE device_id = $1`
	return scanSession(s.db.QueryRowContext(ctx, query, deviceID), deviceID)
}

// CompareAndSwapHash locks the row, classifies it and updates it in one
// transaction. A stale hash commits the revocation before returning.
func (s *PostgresStore) CompareAndSwapHash(
	ctx context.Context,
	deviceID string,
	expected, next refresh.Hash,
	now time.Time,
) (*Session, error) {
	var (
		result   *Session
		conflict error
	)

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `SELECT ` + sessionColumns + ` FROM device_sessions WHERE device_id = $1 FOR UPDATE`
		current, err := scanSession(tx.QueryRowContext(ctx, query, deviceID), deviceID)
		if err != nil {
			return err
		}

		switch {
		case current.Revoked:
			conflict = &ConflictError{Err: ErrSessionRevoked, DeviceID: deviceID, UserID: current.UserID}
			return nil
		case current.Expired(now):
			return ErrSessionExpired
		case !current.RefreshHash.Equal(expected):
			if _, err := tx.ExecContext(ctx,
				`UPDATE device_sessions SET revoked = TRUE, revoked_at = $2 WHERE device_id = $1`,
				deviceID, now.UTC(),
			); err != nil {
				return fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
			}
			conflict = &ConflictError{Err: ErrHashMismatch, DeviceID: deviceID, UserID: current.UserID}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE device_sessions SET refresh_hash = $2, last_rotated_at = $3 WHERE device_id = $1`,
			deviceID, next[:], now.UTC(),
		); err != nil {
			return fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
		}

		current.RefreshHash = next
		current.LastRotatedAt = now.Unix()
		result = current
		return nil
	})
	if err != nil {
		if isSessionError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	if conflict != nil {
		return nil, conflict
	}
	return result, nil
}

// Revoke marks deviceID revoked, keeping the first revocation time.
func (s *PostgresStore) Revoke(ctx context.Context, deviceID string, now time.Time) (*Session, error) {
	query := `
		UPDATE device_sessions
		SET revoked = TRUE, revoked_at = COALESCE(revoked_at, $2)
		WHERE device_id = $1
		RETURNING ` + sessionColumns
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, deviceID, now.UTC()), deviceID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return sess, err
}

// RevokeAllForUser revokes every unexpired active session of userID.
func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int, error) {
	query := `
		UPDATE device_sessions
		SET revoked = TRUE, revoked_at = $2
		WHERE user_id = $1 AND NOT revoked AND expires_at > $2
	`
	res, err := s.db.ExecContext(ctx, query, userID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	return int(n), nil
}

// PurgeExpired deletes sessions whose lifetime ended before cutoff.
func (s *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_sessions WHERE expires_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// PurgeRevoked deletes sessions revoked before cutoff. Recently revoked
// rows are kept so a replayed refresh token is still reported as reuse.
func (s *PostgresStore) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_sessions WHERE revoked AND revoked_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

func scanSession(row *sql.Row, deviceID string) (*Session, error) {
	var (
		hash      []byte
		created   time.Time
		rotated   time.Time
		expires   time.Time
		revokedAt sql.NullTime
		sess      = &Session{DeviceID: deviceID}
	)
	err := row.Scan(&sess.UserID, &hash, &sess.RememberMe, &sess.Revoked, &created, &rotated, &expires, &revokedAt, &sess.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: db error: %v", ErrStoreUnavailable, err)
	}
	if len(hash) != len(sess.RefreshHash) || sess.ID == "" {
		return nil, ErrSessionCorrupt
	}
	copy(sess.RefreshHash[:], hash)
	sess.CreatedAt = created.Unix()
	sess.LastRotatedAt = rotated.Unix()
	sess.ExpiresAt = expires.Unix()
	if revokedAt.Valid {
		sess.RevokedAt = revokedAt.Time.Unix()
	}
	return sess, nil
}

func isSessionError(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionCorrupt) ||
		errors.Is(err, ErrStoreUnavailable)
}

func unixTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
