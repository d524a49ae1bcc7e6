// Package authstore implements the add-only username/password store used
// for SOCKS5 sub-negotiation (RFC 1928 method 0x02). A Store is immutable
// once built; reload publishes a brand-new Store to every worker rather
// than mutating one in place, the way reloads are handled across the rest
// of this codebase (see internal/ruleset for the equivalent pattern applied
// to the domain blocklist).
package authstore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// User is one authenticated identity. Mark is an optional per-user
// firewall/routing mark applied to upstream connections made on this
// user's behalf.
type User struct {
	Name     string
	Password string
	Mark     uint32
}

// Store is an immutable, lock-free-to-read username/password table.
type Store struct {
	users map[string]User
}

// empty is the zero-user Store returned by New and used as the initial
// value of a Handle before the first reload.
var empty = &Store{users: map[string]User{}}

// New returns an empty store.
func New() *Store {
	return empty
}

// Lookup returns the User registered under name, if any.
func (s *Store) Lookup(name string) (User, bool) {
	if s == nil {
		return User{}, false
	}
	u, ok := s.users[name]
	return u, ok
}

// Len reports the number of registered users.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.users)
}

// Users returns a snapshot slice of every registered user, in no particular
// order. Used by internal/cluster to export a Store to secondary nodes.
func (s *Store) Users() []User {
	if s == nil {
		return nil
	}
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// Builder accumulates users for a single store generation. It is not safe
// for concurrent use; the orchestrator builds one Builder per reload on a
// single goroutine, then calls Build and publishes the result.
type Builder struct {
	users map[string]User
}

// NewBuilder starts an empty builder.
func NewBuilder() *Builder {
	return &Builder{users: map[string]User{}}
}

// Add registers a user. It reports ok=false on a duplicate name without
// modifying the builder.
func (b *Builder) Add(u User) (ok bool) {
	if _, exists := b.users[u.Name]; exists {
		return false
	}
	b.users[u.Name] = u
	return true
}

// Build freezes the accumulated users into an immutable Store.
func (b *Builder) Build() *Store {
	frozen := make(map[string]User, len(b.users))
	for k, v := range b.users {
		frozen[k] = v
	}
	return &Store{users: frozen}
}

// LoadFile parses a line-oriented auth file: each line is
// `name SP pass [SP hex-mark] NL`. Blank lines and lines starting with '#'
// are skipped. A duplicate name is a build error, matching Builder.Add's
// conflict semantics.
func LoadFile(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("authstore: open %s: %w", path, err)
	}
	defer f.Close()
	return parseFile(f, path)
}

func parseFile(r io.Reader, path string) (*Store, error) {
	b := NewBuilder()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("authstore: %s:%d: expected \"name pass [mark]\", got %q", path, line, text)
		}
		u := User{Name: fields[0], Password: fields[1]}
		if len(fields) == 3 {
			mark, err := strconv.ParseUint(fields[2], 0, 32)
			if err != nil {
				return nil, fmt.Errorf("authstore: %s:%d: invalid mark %q: %w", path, line, fields[2], err)
			}
			u.Mark = uint32(mark)
		}
		if !b.Add(u) {
			return nil, fmt.Errorf("authstore: %s:%d: duplicate user %q", path, line, u.Name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("authstore: %s: %w", path, err)
	}
	return b.Build(), nil
}

// FromSingleUser builds a one-user Store from inline `auth.username`/
// `auth.password` config.
func FromSingleUser(username, password string) *Store {
	b := NewBuilder()
	if username != "" {
		b.Add(User{Name: username, Password: password})
	}
	return b.Build()
}

// Handle holds the currently-published Store for a Worker. Publish and
// Current are safe for concurrent use without locking: Publish is called
// once per reload from the orchestrator goroutine, Current is read once
// per accepted connection on each worker's accept loop.
type Handle struct {
	ptr atomic.Pointer[Store]
}

// NewHandle returns a Handle initialized to an empty Store.
func NewHandle() *Handle {
	h := &Handle{}
	h.ptr.Store(empty)
	return h
}

// Publish atomically swaps in a new Store generation. In-flight sessions
// that already captured a *Store reference keep using it for their
// lifetime.
func (h *Handle) Publish(s *Store) {
	h.ptr.Store(s)
}

// Current returns the most recently published Store.
func (h *Handle) Current() *Store {
	if s := h.ptr.Load(); s != nil {
		return s
	}
	return empty
}
