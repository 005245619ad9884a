package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock), mock
}

func TestPostgresRepository_Create(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	p := Profile{
		ID: "0b7c1f0e-4a47-4d4d-9b61-4bd3d1b0f6a1", Phone: "+639171234567", Name: "Test",
		Role: RolePassenger, IsActive: true, PINHash: "hash", CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO profiles \(id,phone,name,role,is_active,pin_hash,metadata,created_at,updated_at\)`).
		WithArgs(p.ID, p.Phone, p.Name, "passenger", true, "hash", []byte(`{}`), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateDuplicatePhone(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO profiles`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.Create(context.Background(), Profile{ID: "id", Phone: "+639171234567", Role: RoleRider})
	assert.ErrorIs(t, err, ErrPhoneTaken)
}

func TestPostgresRepository_FindByPhone(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	lastLogin := created.Add(time.Hour)

	rows := pgxmock.NewRows(columns).
		AddRow("user-1", "+639171234567", "Test", "rider", true, "hash", []byte(`{"plate":"ABC 123"}`), &lastLogin, created, created)
	mock.ExpectQuery(`SELECT id, phone, name, role, is_active, pin_hash, metadata, last_login, created_at, updated_at FROM profiles WHERE phone = \$1 LIMIT 1`).
		WithArgs("+639171234567").
		WillReturnRows(rows)

	p, err := repo.FindByPhone(context.Background(), "+639171234567")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.ID)
	assert.Equal(t, RoleRider, p.Role)
	assert.Equal(t, "ABC 123", p.Metadata["plate"])
	require.NotNil(t, p.LastLogin)
	assert.True(t, p.LastLogin.Equal(lastLogin))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_FindByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepository_UpdatePINHashMissingRow(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE profiles SET pin_hash = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("new-hash", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.UpdatePINHash(context.Background(), "missing", "new-hash")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateReturnsRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	name := "Renamed"

	rows := pgxmock.NewRows(columns).
		AddRow("user-1", "+639171234567", name, "passenger", true, "hash", []byte(`{}`), (*time.Time)(nil), created, created)
	mock.ExpectQuery(`UPDATE profiles SET updated_at = \$1, name = \$2 WHERE id = \$3 RETURNING id, phone`).
		WithArgs(pgxmock.AnyArg(), name, "user-1").
		WillReturnRows(rows)

	p, err := repo.Update(context.Background(), "user-1", Update{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, p.Name)
	assert.Nil(t, p.LastLogin)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRepository_Lifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	p := Profile{ID: "user-1", Phone: "+639171234567", Name: "Test", Role: RolePassenger, IsActive: true}

	require.NoError(t, repo.Create(ctx, p))
	assert.ErrorIs(t, repo.Create(ctx, Profile{ID: "user-2", Phone: p.Phone}), ErrPhoneTaken)

	require.NoError(t, repo.UpdatePINHash(ctx, p.ID, "hash-2"))
	require.NoError(t, repo.TouchLastLogin(ctx, p.ID, time.Now()))

	got, err := repo.FindByPhone(ctx, p.Phone)
	require.NoError(t, err)
	assert.Equal(t, "hash-2", got.PINHash)
	assert.NotNil(t, got.LastLogin)

	inactive := false
	got, err = repo.Update(ctx, p.ID, Update{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	require.NoError(t, repo.Delete(ctx, p.ID))
	_, err = repo.FindByID(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
