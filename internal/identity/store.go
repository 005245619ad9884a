package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Record is how the local provider stores an identity.
type Record struct {
	ID           string
	Phone        string
	PasswordHash string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r Record) user() User {
	return User{ID: r.ID, Phone: r.Phone, Metadata: r.Metadata, CreatedAt: r.CreatedAt}
}

// Store persists identity records for the local provider.
type Store interface {
	Create(ctx context.Context, rec Record) error
	FindByID(ctx context.Context, id string) (Record, error)
	FindByPhone(ctx context.Context, phone string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}

// Executor is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const identitiesTable = "auth_identities"

// PostgresStore keeps identities in the auth_identities table.
type PostgresStore struct {
	db      Executor
	builder sq.StatementBuilderType
}

// NewPostgresStore builds a Postgres-backed identity store.
func NewPostgresStore(db Executor) *PostgresStore {
	return &PostgresStore{db: db, builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// Create inserts rec, mapping unique violations to ErrUserExists.
func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	metadata, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode identity metadata: %w", err)
	}
	query, args, err := s.builder.Insert(identitiesTable).
		Columns("id", "phone", "password_hash", "metadata", "created_at", "updated_at").
		Values(rec.ID, rec.Phone, rec.PasswordHash, metadata, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert identity: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrUserExists
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// FindByID loads a record by id.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (Record, error) {
	return s.findOne(ctx, sq.Eq{"id": id})
}

// FindByPhone loads a record by canonical phone.
func (s *PostgresStore) FindByPhone(ctx context.Context, phone string) (Record, error) {
	return s.findOne(ctx, sq.Eq{"phone": phone})
}

func (s *PostgresStore) findOne(ctx context.Context, where sq.Eq) (Record, error) {
	query, args, err := s.builder.
		Select("id", "phone", "password_hash", "metadata", "created_at", "updated_at").
		From(identitiesTable).Where(where).Limit(1).ToSql()
	if err != nil {
		return Record{}, fmt.Errorf("build select identity: %w", err)
	}
	var (
		rec      Record
		metadata []byte
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(&rec.ID, &rec.Phone, &rec.PasswordHash, &metadata, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("scan identity: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode identity metadata: %w", err)
		}
	}
	return rec, nil
}

// Save overwrites the mutable fields of rec.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	metadata, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode identity metadata: %w", err)
	}
	query, args, err := s.builder.Update(identitiesTable).
		Set("password_hash", rec.PasswordHash).
		Set("metadata", metadata).
		Set("updated_at", rec.UpdatedAt.UTC()).
		Where(sq.Eq{"id": rec.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build update identity: %w", err)
	}
	cmd, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	query, args, err := s.builder.Delete(identitiesTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete identity: %w", err)
	}
	cmd, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type memoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Record
	byPhone map[string]string
}

// NewMemoryStore builds an in-memory identity store for tests and local development.
func NewMemoryStore() Store {
	return &memoryStore{byID: make(map[string]Record), byPhone: make(map[string]string)}
}

func (s *memoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byPhone[rec.Phone]; exists {
		return ErrUserExists
	}
	s.byID[rec.ID] = rec
	s.byPhone[rec.Phone] = rec.ID
	return nil
}

func (s *memoryStore) FindByID(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) FindByPhone(_ context.Context, phone string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPhone[phone]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *memoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; !ok {
		return ErrNotFound
	}
	s.byID[rec.ID] = rec
	return nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byPhone, rec.Phone)
	return nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
