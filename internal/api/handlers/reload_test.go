package handlers_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hev-proxy/socks5d/internal/api/models"
)

func TestReload_Success(t *testing.T) {
	p := newFakeProxy()
	r := setupTestRouter(t, p)

	w := performRequest(r, http.MethodPost, "/api/v1/reload", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, p.reloadCalls)

	var resp models.ReloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "reloaded", resp.Status)
	assert.Equal(t, 1, resp.Users)
}

func TestReload_Error(t *testing.T) {
	p := newFakeProxy()
	p.reloadErr = errors.New("boom")
	r := setupTestRouter(t, p)

	w := performRequest(r, http.MethodPost, "/api/v1/reload", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "boom", resp.Error)
}
