package users

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound indicates no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrIdentityLocked indicates the account is already bound to a
	// different messaging identity.
	ErrIdentityLocked = errors.New("account locked to another identity")
	// ErrIdentityConflict indicates the messaging identity is already
	// bound to a different account.
	ErrIdentityConflict = errors.New("identity bound to another account")
)

// Repository persists user accounts and their verification state.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByID(ctx context.Context, id string) (User, error)
	FindByPhone(ctx context.Context, phone string) (User, error)
	// FindByLID looks an account up by its bound anonymized identity.
	FindByLID(ctx context.Context, lid string) (User, error)
	UpdateTokenVersion(ctx context.Context, id string, version int) error
	// SetVerificationError records the outcome reason of a rejected
	// attempt (empty string clears it).
	SetVerificationError(ctx context.Context, id, message string) error
	// CommitVerification atomically records a successful ownership
	// check: phone, verified flag, cleared error and, when result.LID is
	// set, the identity lock. It fails with ErrIdentityLocked when the
	// account is bound to a different identity, and ErrIdentityConflict
	// when the identity is bound to a different account.
	CommitVerification(ctx context.Context, result VerificationResult) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed user repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, name, phone, secret_hash, is_admin, is_phone_verified,
        COALESCE(whatsapp_lid, ''), last_verification_error, token_version, created_at`

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO users
        (id, name, phone, secret_hash, is_admin, is_phone_verified, whatsapp_lid, last_verification_error, token_version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		userID, user.Name, user.Phone, user.SecretHash, user.IsAdmin,
		user.IsPhoneVerified, user.WhatsAppLID, user.LastVerificationError,
		user.TokenVersion, user.CreatedAt.UTC())
	return err
}

// FindByID fetches a user by primary key.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}
	return r.scanOne(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// FindByPhone fetches a user by phone number.
func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (User, error) {
	return r.scanOne(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone))
}

// FindByLID fetches the user bound to the given anonymized identity.
func (r *PostgresRepository) FindByLID(ctx context.Context, lid string) (User, error) {
	return r.scanOne(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE whatsapp_lid = $1`, lid))
}

// UpdateTokenVersion bumps the token version used to invalidate tokens.
func (r *PostgresRepository) UpdateTokenVersion(ctx context.Context, id string, version int) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE users SET token_version = $1 WHERE id = $2`, version, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVerificationError stores the latest rejection reason.
func (r *PostgresRepository) SetVerificationError(ctx context.Context, id, message string) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE users SET last_verification_error = $1 WHERE id = $2`, message, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CommitVerification applies a successful verification. The identity
// lock is enforced in the WHERE clause (bind only when unbound or equal)
// and cross-user uniqueness by the partial unique index on whatsapp_lid.
func (r *PostgresRepository) CommitVerification(ctx context.Context, result VerificationResult) error {
	userID, err := uuid.Parse(result.UserID)
	if err != nil {
		return ErrNotFound
	}

	var cmd pgconn.CommandTag
	if result.LID != "" {
		cmd, err = r.db.Exec(ctx, `UPDATE users
            SET phone = $1, is_phone_verified = TRUE, last_verification_error = '', whatsapp_lid = $2
            WHERE id = $3 AND (whatsapp_lid IS NULL OR whatsapp_lid = $2)`,
			result.Phone, result.LID, userID)
	} else {
		cmd, err = r.db.Exec(ctx, `UPDATE users
            SET phone = $1, is_phone_verified = TRUE, last_verification_error = ''
            WHERE id = $2`, result.Phone, userID)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrIdentityConflict
		}
		return err
	}
	if cmd.RowsAffected() == 0 {
		if result.LID != "" {
			if _, findErr := r.FindByID(ctx, result.UserID); findErr == nil {
				return ErrIdentityLocked
			}
		}
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scanOne(row pgx.Row) (User, error) {
	var (
		id        uuid.UUID
		createdAt time.Time
		user      User
	)
	if err := row.Scan(&id, &user.Name, &user.Phone, &user.SecretHash, &user.IsAdmin,
		&user.IsPhoneVerified, &user.WhatsAppLID, &user.LastVerificationError,
		&user.TokenVersion, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	user.ID = id.String()
	user.CreatedAt = createdAt.UTC()
	return user, nil
}
