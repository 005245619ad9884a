package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists profiles.
type Repository interface {
	Create(ctx context.Context, p Profile) error
	FindByID(ctx context.Context, id string) (Profile, error)
	FindByPhone(ctx context.Context, phone string) (Profile, error)
	Update(ctx context.Context, id string, upd Update) (Profile, error)
	UpdatePINHash(ctx context.Context, id, hash string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// Executor is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	table           = "profiles"
	uniqueViolation = "23505"
)

var columns = []string{"id", "phone", "name", "role", "is_active", "pin_hash", "metadata", "last_login", "created_at", "updated_at"}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db      Executor
	builder sq.StatementBuilderType
	now     func() time.Time
}

// NewPostgresRepository builds a Postgres-backed profile repository.
func NewPostgresRepository(db Executor) *PostgresRepository {
	return &PostgresRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new profile.
func (r *PostgresRepository) Create(ctx context.Context, p Profile) error {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	query, args, err := r.builder.Insert(table).
		Columns("id", "phone", "name", "role", "is_active", "pin_hash", "metadata", "created_at", "updated_at").
		Values(p.ID, p.Phone, p.Name, string(p.Role), p.IsActive, p.PINHash, metadata, p.CreatedAt.UTC(), p.UpdatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert profile: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrPhoneTaken
		}
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// FindByID fetches a profile by identity id.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Profile, error) {
	return r.findOne(ctx, sq.Eq{"id": id})
}

// FindByPhone fetches a profile by canonical phone number.
func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (Profile, error) {
	return r.findOne(ctx, sq.Eq{"phone": phone})
}

func (r *PostgresRepository) findOne(ctx context.Context, where sq.Eq) (Profile, error) {
	query, args, err := r.builder.Select(columns...).From(table).Where(where).Limit(1).ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build select profile: %w", err)
	}
	return scanProfile(r.db.QueryRow(ctx, query, args...))
}

// Update applies the non-nil fields of upd and returns the stored row.
func (r *PostgresRepository) Update(ctx context.Context, id string, upd Update) (Profile, error) {
	if upd.Empty() {
		return r.FindByID(ctx, id)
	}
	stmt := r.builder.Update(table).Set("updated_at", r.now())
	if upd.Name != nil {
		stmt = stmt.Set("name", *upd.Name)
	}
	if upd.Role != nil {
		stmt = stmt.Set("role", string(*upd.Role))
	}
	if upd.IsActive != nil {
		stmt = stmt.Set("is_active", *upd.IsActive)
	}
	if upd.Metadata != nil {
		metadata, err := encodeMetadata(upd.Metadata)
		if err != nil {
			return Profile{}, err
		}
		stmt = stmt.Set("metadata", metadata)
	}
	query, args, err := stmt.Where(sq.Eq{"id": id}).Suffix("RETURNING " + strings.Join(columns, ", ")).ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build update profile: %w", err)
	}
	return scanProfile(r.db.QueryRow(ctx, query, args...))
}

// UpdatePINHash replaces the stored PIN hash.
func (r *PostgresRepository) UpdatePINHash(ctx context.Context, id, hash string) error {
	return r.exec(ctx, r.builder.Update(table).
		Set("pin_hash", hash).
		Set("updated_at", r.now()).
		Where(sq.Eq{"id": id}))
}

// TouchLastLogin records a successful sign-in.
func (r *PostgresRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, r.builder.Update(table).
		Set("last_login", at.UTC()).
		Where(sq.Eq{"id": id}))
}

// Delete removes a profile. Only used by operator cleanup.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, r.builder.Delete(table).Where(sq.Eq{"id": id}))
}

func (r *PostgresRepository) exec(ctx context.Context, stmt sq.Sqlizer) error {
	query, args, err := stmt.ToSql()
	if err != nil {
		return fmt.Errorf("build profile statement: %w", err)
	}
	cmd, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec profile statement: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p         Profile
		role      string
		metadata  []byte
		lastLogin *time.Time
	)
	if err := row.Scan(&p.ID, &p.Phone, &p.Name, &role, &p.IsActive, &p.PINHash, &metadata, &lastLogin, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.Role = Role(role)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return Profile{}, fmt.Errorf("decode profile metadata: %w", err)
		}
	}
	if lastLogin != nil {
		t := lastLogin.UTC()
		p.LastLogin = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode profile metadata: %w", err)
	}
	return b, nil
}
