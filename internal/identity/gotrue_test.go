package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGoTrue(t *testing.T, h http.HandlerFunc) *GoTrueProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGoTrueProvider(GoTrueConfig{URL: srv.URL, AnonKey: "anon", ServiceRoleKey: "service", Timeout: 2 * time.Second})
}

func TestGoTrueCreateUser(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/v1/admin/users", r.URL.Path)
		assert.Equal(t, "service", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+639171234567", body["phone"])
		assert.Equal(t, true, body["phone_confirm"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u-1","phone":"639171234567","user_metadata":{"role":"rider"},"created_at":"2024-05-01T08:00:00Z"}`))
	})

	user, err := p.CreateUser(context.Background(), CreateUserInput{Phone: "+639171234567", Password: "123456", Metadata: map[string]any{"role": "rider"}})
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, "+639171234567", user.Phone)
	assert.Equal(t, "rider", user.Metadata["role"])
}

func TestGoTrueCreateUserExists(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":422,"error_code":"phone_exists","msg":"Phone number already registered"}`))
	})

	_, err := p.CreateUser(context.Background(), CreateUserInput{Phone: "+639171234567", Password: "123456"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestGoTrueSignInInvalidCredentials(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	})

	_, err := p.SignInWithPassword(context.Background(), "+639171234567", "000000")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestGoTrueSignInRetriesOnServerError(t *testing.T) {
	var calls int32
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","token_type":"bearer","expires_in":3600,"expires_at":1714550400,"user":{"id":"u-1","phone":"639171234567"}}`))
	})

	sess, err := p.SignInWithPassword(context.Background(), "+639171234567", "123456")
	require.NoError(t, err)
	assert.True(t, sess.Valid())
	assert.Equal(t, "u-1", sess.User.ID)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGoTrueUnavailable(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := p.RefreshSession(context.Background(), "r")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGoTrueUpdateUserMergesMetadata(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"id":"u-1","phone":"639171234567","user_metadata":{"role":"rider","name":"A"}}`))
		case http.MethodPut:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			meta := body["user_metadata"].(map[string]any)
			assert.Equal(t, "rider", meta["role"])
			assert.Equal(t, "B", meta["name"])
			assert.Equal(t, "111111", body["password"])
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "u-1", "phone": "639171234567", "user_metadata": meta})
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})

	pw := "111111"
	user, err := p.UpdateUser(context.Background(), "u-1", UpdateUserInput{Password: &pw, Metadata: map[string]any{"name": "B"}})
	require.NoError(t, err)
	assert.Equal(t, "B", user.Metadata["name"])
}

func TestGoTrueDeleteNotFound(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":404,"msg":"User not found"}`))
	})

	assert.ErrorIs(t, p.DeleteUser(context.Background(), "u-1"), ErrNotFound)
}

func TestGoTrueSignOutIgnoresRevokedToken(t *testing.T) {
	p := newGoTrue(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/logout", r.URL.Path)
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	})

	assert.NoError(t, p.SignOut(context.Background(), "access"))
}
