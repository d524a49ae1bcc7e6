package handlers_test

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hev-proxy/socks5d/internal/api/models"
	"github.com/hev-proxy/socks5d/internal/store"
)

func TestListUsers_StoreNotEnabled(t *testing.T) {
	r := setupTestRouter(t, newFakeProxy())

	w := performRequest(r, http.MethodGet, "/api/v1/users", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestUserCRUD_WithStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := newFakeProxy()
	p.db = db
	r := setupTestRouter(t, p)

	w := performRequest(r, http.MethodPut, "/api/v1/users", `{"name":"carol","password":"hunter2","mark":3}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, p.reloadCalls)

	w = performRequest(r, http.MethodGet, "/api/v1/users", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var list models.UsersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Users, 1)
	assert.Equal(t, "carol", list.Users[0].Name)
	assert.Equal(t, uint32(3), list.Users[0].Mark)

	w = performRequest(r, http.MethodDelete, "/api/v1/users/carol", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 2, p.reloadCalls)

	w = performRequest(r, http.MethodDelete, "/api/v1/users/carol", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutUser_RequiresName(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := newFakeProxy()
	p.db = db
	r := setupTestRouter(t, p)

	w := performRequest(r, http.MethodPut, "/api/v1/users", `{"password":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
