package authstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderAddConflict(t *testing.T) {
	b := NewBuilder()
	assert.True(t, b.Add(User{Name: "alice", Password: "s3cret"}))
	assert.False(t, b.Add(User{Name: "alice", Password: "other"}))

	store := b.Build()
	u, ok := store.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "s3cret", u.Password)
	assert.Equal(t, 1, store.Len())
}

func TestStoreLookupMiss(t *testing.T) {
	store := NewBuilder().Build()
	_, ok := store.Lookup("nobody")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestNilStoreLookup(t *testing.T) {
	var s *Store
	_, ok := s.Lookup("anyone")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestHandlePublishSwapsAtomically(t *testing.T) {
	h := NewHandle()
	assert.Equal(t, 0, h.Current().Len())

	b := NewBuilder()
	b.Add(User{Name: "bob", Password: "hunter2"})
	gen1 := b.Build()
	h.Publish(gen1)

	captured := h.Current()
	assert.Same(t, gen1, captured)

	b2 := NewBuilder()
	b2.Add(User{Name: "carol", Password: "swordfish"})
	gen2 := b2.Build()
	h.Publish(gen2)

	// The reference captured before the second publish still resolves to
	// the generation that was current when it was captured.
	_, ok := captured.Lookup("bob")
	assert.True(t, ok)
	_, ok = captured.Lookup("carol")
	assert.False(t, ok)

	_, ok = h.Current().Lookup("carol")
	assert.True(t, ok)
}

func TestLoadFileParsesOptionalMark(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	content := "# comment\nalice secret1\nbob secret2 0x2a\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	a, ok := store.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "secret1", a.Password)
	assert.Equal(t, uint32(0), a.Mark)

	b, ok := store.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, "secret2", b.Password)
	assert.Equal(t, uint32(0x2a), b.Mark)
}

func TestLoadFileRejectsDuplicateUser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice a\nalice b\n"), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestFromSingleUser(t *testing.T) {
	store := FromSingleUser("alice", "secret")
	u, ok := store.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "secret", u.Password)

	empty := FromSingleUser("", "")
	assert.Equal(t, 0, empty.Len())
}

func TestHandleConcurrentPublishAndRead(t *testing.T) {
	h := NewHandle()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			b := NewBuilder()
			b.Add(User{Name: "user", Password: "pw"})
			h.Publish(b.Build())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = h.Current().Len()
		}
	}()
	wg.Wait()
}
