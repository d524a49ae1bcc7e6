package ruleset

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sources describes everything a single reload generation is built from.
type Sources struct {
	WhitelistDomains []string
	BlacklistDomains []string
	BlocklistURLs    []BlocklistURL
}

// BlocklistURL names one remote blocklist to fetch on reload.
type BlocklistURL struct {
	Name   string
	URL    string
	Format ListFormat
}

// Snapshot is one immutable reload generation.
type Snapshot struct {
	whitelist *DomainTrie
	blacklist *DomainTrie
}

var emptySnapshot = &Snapshot{whitelist: NewDomainTrie(), blacklist: NewDomainTrie()}

// Handle is the per-worker published ruleset, following the same
// single-publisher/many-readers atomic-pointer protocol as
// internal/authstore.Handle, but on its own independent slot so a ruleset
// reload never blocks or is blocked by an auth reload.
type Handle struct {
	ptr atomic.Pointer[Snapshot]

	total   atomic.Uint64
	blocked atomic.Uint64
}

// NewHandle returns a Handle with an empty (allow-everything) ruleset.
func NewHandle() *Handle {
	h := &Handle{}
	h.ptr.Store(emptySnapshot)
	return h
}

// Evaluate reports whether domain should be blocked. Whitelist entries take
// priority over blacklist entries, matching the policy-evaluation order
// this is grounded on.
func (h *Handle) Evaluate(domain string) (block bool) {
	h.total.Add(1)
	s := h.current()
	if s.whitelist.Contains(domain) {
		return false
	}
	if s.blacklist.Contains(domain) {
		h.blocked.Add(1)
		return true
	}
	return false
}

func (h *Handle) current() *Snapshot {
	if s := h.ptr.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Stats returns the lifetime query and block counters.
func (h *Handle) Stats() (total, blocked uint64) {
	return h.total.Load(), h.blocked.Load()
}

// Build constructs a new Snapshot from Sources without publishing it,
// fetching any configured remote blocklists. Callers publish the result
// via Publish once built, so a slow/failing fetch never disrupts the
// currently-serving ruleset.
func Build(ctx context.Context, logger *slog.Logger, src Sources) *Snapshot {
	parser := NewParser()

	whitelist := parser.ParseDomainsSlice(src.WhitelistDomains)
	blacklist := parser.ParseDomainsSlice(src.BlacklistDomains)

	for _, bl := range src.BlocklistURLs {
		if ctx.Err() != nil {
			break
		}
		trie, err := parser.ParseURL(bl.URL, bl.Format)
		if err != nil {
			logger.Warn("ruleset: failed to load blocklist", "name", bl.Name, "url", bl.URL, "error", err)
			continue
		}
		blacklist.Merge(trie)
		logger.Info("ruleset: loaded blocklist", "name", bl.Name, "domains", trie.Size())
	}

	return &Snapshot{whitelist: whitelist, blacklist: blacklist}
}

// Publish atomically swaps in a Snapshot built by Build.
func (h *Handle) Publish(s *Snapshot) {
	if s == nil {
		s = emptySnapshot
	}
	h.ptr.Store(s)
}

// RunRefresh periodically rebuilds Sources and publishes the result until
// ctx is cancelled. It never mutates the currently-published Snapshot in
// place: every tick produces a brand-new one, the same publish protocol
// authstore.Handle uses.
func (h *Handle) RunRefresh(ctx context.Context, logger *slog.Logger, src Sources, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Publish(Build(ctx, logger, src))
		}
	}
}

// String renders basic stats for logging/admin display.
func (h *Handle) String() string {
	total, blocked := h.Stats()
	return fmt.Sprintf("ruleset{total=%d blocked=%d}", total, blocked)
}
