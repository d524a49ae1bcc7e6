// Package proxy implements the orchestrator: it builds the shared
// socket factory, spawns one worker.Worker goroutine per configured
// worker, wires process-wide shutdown and auth-reload signals to every
// worker, and joins on exit. The worker count defaults to
// runtime.NumCPU(), one listener per worker.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/hev-proxy/socks5d/internal/authstore"
	"github.com/hev-proxy/socks5d/internal/cluster"
	"github.com/hev-proxy/socks5d/internal/config"
	"github.com/hev-proxy/socks5d/internal/endpoint"
	"github.com/hev-proxy/socks5d/internal/pool"
	"github.com/hev-proxy/socks5d/internal/resolver"
	"github.com/hev-proxy/socks5d/internal/ruleset"
	"github.com/hev-proxy/socks5d/internal/session"
	"github.com/hev-proxy/socks5d/internal/socket"
	"github.com/hev-proxy/socks5d/internal/socks5"
	"github.com/hev-proxy/socks5d/internal/store"
	"github.com/hev-proxy/socks5d/internal/worker"
)

const defaultDNSServer = "8.8.8.8:53"
const defaultSpliceBufSize = 8192

// Proxy owns every Worker, the shared socket factory, and the
// hot-reloadable auth/ruleset Handles every Worker reads from.
type Proxy struct {
	cfg    *config.Config
	logger *slog.Logger

	authHandle    *authstore.Handle
	rulesetHandle *ruleset.Handle
	storeDB       *store.DB
	syncer        *cluster.Syncer

	workers []*worker.Worker
}

// New builds the auth store, the ruleset, and the optional sqlite store and
// cluster syncer from cfg, but does not yet bind any listener or start any
// goroutine; Run builds the socket factory, resolver, and buffer pool and
// starts the workers.
func New(cfg *config.Config, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Proxy{
		cfg:           cfg,
		logger:        logger,
		authHandle:    authstore.NewHandle(),
		rulesetHandle: ruleset.NewHandle(),
	}

	if cfg.Store.Enabled {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		p.storeDB = db
	}

	initialAuth, err := p.loadAuthStore(context.Background())
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	p.authHandle.Publish(initialAuth)

	if cfg.Ruleset.Enabled {
		p.rulesetHandle.Publish(ruleset.Build(context.Background(), logger, rulesetSources(cfg)))
	}

	if cfg.Cluster.Mode == config.ClusterSecondary {
		syncer, err := cluster.NewSyncer(&cfg.Cluster, logger, p.importCluster, p.authVersion)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		p.syncer = syncer
	}

	return p, nil
}

// loadAuthStore builds the initial Store from the sqlite-backed store (if
// configured), else the flat auth.file, else the inline auth.username/
// password pair.
func (p *Proxy) loadAuthStore(ctx context.Context) (*authstore.Store, error) {
	if p.storeDB != nil {
		return p.storeDB.LoadStore(ctx)
	}
	return loadAuthStore(p.cfg)
}

func loadAuthStore(cfg *config.Config) (*authstore.Store, error) {
	if cfg.Auth.File != "" {
		st, err := authstore.LoadFile(cfg.Auth.File)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return authstore.FromSingleUser(cfg.Auth.Username, cfg.Auth.Password), nil
}

// importCluster publishes a cluster.ExportData payload fetched from the
// primary node into this (secondary) proxy's auth store (cluster.ImportFunc).
func (p *Proxy) importCluster(data *cluster.ExportData) error {
	b := authstore.NewBuilder()
	for _, u := range data.Users {
		b.Add(u)
	}
	p.authHandle.Publish(b.Build())
	for _, w := range p.workers {
		w.Reload()
	}
	return nil
}

// authVersion reports the locally published auth generation (cluster.VersionFunc).
// Without a sqlite-backed store there is no monotonic version counter, so it
// reports 0, and a secondary without a store re-imports on every sync whose
// fetched version is above 0.
func (p *Proxy) authVersion() int64 {
	if p.storeDB == nil {
		return 0
	}
	v, err := p.storeDB.Version(context.Background())
	if err != nil {
		return 0
	}
	return v
}

func rulesetSources(cfg *config.Config) ruleset.Sources {
	urls := make([]ruleset.BlocklistURL, 0, len(cfg.Ruleset.Blocklists))
	for _, bl := range cfg.Ruleset.Blocklists {
		urls = append(urls, ruleset.BlocklistURL{
			Name:   bl.Name,
			URL:    bl.URL,
			Format: ruleset.ParseListFormat(bl.Format),
		})
	}
	return ruleset.Sources{
		BlacklistDomains: cfg.Ruleset.BlacklistDomains,
		BlocklistURLs:    urls,
	}
}

func workerCount(cfg *config.Config) int {
	if cfg.Main.Workers.Mode == config.WorkersFixed && cfg.Main.Workers.Value > 0 {
		return cfg.Main.Workers.Value
	}
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}

func sessionAuthMethod(cfg *config.Config) byte {
	if cfg.Auth.Username != "" || cfg.Auth.File != "" {
		return socks5.MethodUserPass
	}
	return socks5.MethodNoAuth
}

func sessionConfig(cfg *config.Config) (session.Config, error) {
	sc := session.Config{
		AuthMethod:       sessionAuthMethod(cfg),
		PreferredFamily:  domainFamily(cfg.Main.DomainAddressType),
		ConnectTimeout:   time.Duration(cfg.Misc.ConnectTimeoutMs) * time.Millisecond,
		ReadWriteTimeout: time.Duration(cfg.Misc.ReadWriteTimeoutMs) * time.Millisecond,
		LivenessRefill:   10,
		BindIface:        cfg.Main.BindIface,
		Mark:             cfg.Main.Mark,
		UDPRecvBufSize:   cfg.Misc.UDPRecvBufferSize,
		DNSServer:        dnsServerAddr(cfg),
	}
	if cfg.Main.BindAddrV4 != "" {
		ep, err := endpoint.FromHostPort(net.JoinHostPort(cfg.Main.BindAddrV4, "0"))
		if err != nil {
			return session.Config{}, fmt.Errorf("main.bind-address-v4: %w", err)
		}
		sc.BindAddrV4 = &ep
	}
	if cfg.Main.BindAddrV6 != "" {
		ep, err := endpoint.FromHostPort(net.JoinHostPort(cfg.Main.BindAddrV6, "0"))
		if err != nil {
			return session.Config{}, fmt.Errorf("main.bind-address-v6: %w", err)
		}
		sc.BindAddrV6 = &ep
	}
	// The family-agnostic bind-address fills in for whichever family-specific
	// one wasn't set, keyed by the literal's own family.
	if cfg.Main.BindAddr != "" {
		ep, err := endpoint.FromHostPort(net.JoinHostPort(cfg.Main.BindAddr, "0"))
		if err != nil {
			return session.Config{}, fmt.Errorf("main.bind-address: %w", err)
		}
		if ep.IsV4Mapped() && sc.BindAddrV4 == nil {
			sc.BindAddrV4 = &ep
		}
		if !ep.IsV4Mapped() && sc.BindAddrV6 == nil {
			sc.BindAddrV6 = &ep
		}
	}
	if cfg.Main.UDPListen != "" {
		ep, err := endpoint.FromHostPort(net.JoinHostPort(cfg.Main.UDPListen, udpPort(cfg)))
		if err == nil {
			sc.UDPListenAddr = ep
		}
	}
	if cfg.Main.UDPPublicAddrV4 != "" {
		ep, err := endpoint.FromHostPort(net.JoinHostPort(cfg.Main.UDPPublicAddrV4, "0"))
		if err == nil {
			sc.UDPPublicAddrV4 = &ep
		}
	}
	if cfg.Main.UDPPublicAddrV6 != "" {
		ep, err := endpoint.FromHostPort(net.JoinHostPort(cfg.Main.UDPPublicAddrV6, "0"))
		if err == nil {
			sc.UDPPublicAddrV6 = &ep
		}
	}
	return sc, nil
}

func udpPort(cfg *config.Config) string {
	if cfg.Main.UDPPort != "" {
		return cfg.Main.UDPPort
	}
	return cfg.Main.Port
}

func domainFamily(f config.DomainAddressFamily) resolver.Family {
	switch f {
	case config.FamilyIPv4:
		return resolver.V4
	case config.FamilyIPv6:
		return resolver.V6
	default:
		return resolver.Unspecified
	}
}

func dnsServerAddr(cfg *config.Config) string {
	if cfg.Main.DNSServer != "" {
		return cfg.Main.DNSServer
	}
	return defaultDNSServer
}

// Run builds the listener(s) and Worker set, starts every Worker on its
// own goroutine, and blocks until ctx is cancelled, at which point it
// stops every Worker and waits for all of them to finish.
func (p *Proxy) Run(ctx context.Context) error {
	listenEP, err := resolveListenAddr(p.cfg)
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	factory := socket.New(listenEP, p.cfg.Main.ListenV6Only,
		socket.WithMark(p.cfg.Main.Mark),
		socket.WithBindToDevice(p.cfg.Main.BindIface),
	)

	sessCfg, err := sessionConfig(p.cfg)
	if err != nil {
		return err
	}

	res := resolver.New(dnsServerAddr(p.cfg))
	bufSize := p.cfg.Misc.TaskStackSize
	if bufSize < defaultSpliceBufSize {
		bufSize = defaultSpliceBufSize
	}
	bufPool := pool.New(func() []byte { return make([]byte, bufSize) })

	n := workerCount(p.cfg)
	p.workers = make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		ln, err := factory.Listen()
		if err != nil {
			return fmt.Errorf("proxy: worker %d: %w", i, err)
		}
		w := worker.New(i, ln, p.authHandle, rulesetHandleOrNil(p.cfg, p.rulesetHandle), res, bufPool, sessCfg, p.logger)
		p.workers = append(p.workers, w)
	}

	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for i, w := range p.workers {
		i, w := i, w
		go func() {
			defer wg.Done()
			p.logger.InfoContext(ctx, "proxy: worker starting", "worker", i)
			w.Run(ctx)
			p.logger.InfoContext(ctx, "proxy: worker stopped", "worker", i)
		}()
	}

	if p.cfg.Ruleset.Enabled {
		interval := parseDurationOrDefault(p.cfg.Ruleset.RefreshInterval, 24*time.Hour)
		go p.rulesetHandle.RunRefresh(ctx, p.logger, rulesetSources(p.cfg), interval)
	}

	if p.syncer != nil {
		if err := p.syncer.Start(ctx); err != nil {
			p.logger.Error("proxy: cluster syncer failed to start", "error", err)
		}
	}

	<-ctx.Done()
	p.Shutdown()
	wg.Wait()
	return nil
}

func rulesetHandleOrNil(cfg *config.Config, h *ruleset.Handle) *ruleset.Handle {
	if !cfg.Ruleset.Enabled {
		return nil
	}
	return h
}

// Shutdown requests every Worker to stop accepting and to drain its live
// sessions. It also stops the cluster syncer and closes the auth
// database, if either is in use.
func (p *Proxy) Shutdown() {
	for _, w := range p.workers {
		w.Stop()
	}
	if p.syncer != nil {
		p.syncer.Stop()
	}
	if p.storeDB != nil {
		if err := p.storeDB.Close(); err != nil {
			p.logger.Warn("proxy: error closing auth store database", "error", err)
		}
	}
}

// Reload rebuilds the User store from the proxy's auth configuration and
// publishes it to every Worker. The ruleset is reloaded independently on
// its own refresh ticker; an auth reload never blocks a ruleset refresh
// or vice versa.
func (p *Proxy) Reload() error {
	auth, err := p.loadAuthStore(context.Background())
	if err != nil {
		return fmt.Errorf("proxy: reload: %w", err)
	}
	p.authHandle.Publish(auth)
	for _, w := range p.workers {
		w.Reload()
	}
	p.logger.Info("proxy: auth store reloaded", "users", auth.Len())
	return nil
}

// LiveSessions sums the live-session count across every worker, exposed for
// internal/api's /stats endpoint.
func (p *Proxy) LiveSessions() int {
	total := 0
	for _, w := range p.workers {
		total += w.LiveSessions()
	}
	return total
}

// WorkerCount reports how many workers this Proxy was configured with.
func (p *Proxy) WorkerCount() int {
	return len(p.workers)
}

// WorkerLiveSessions reports each worker's live-session count, indexed by
// worker id.
func (p *Proxy) WorkerLiveSessions() []int {
	counts := make([]int, len(p.workers))
	for i, w := range p.workers {
		counts[i] = w.LiveSessions()
	}
	return counts
}

// AuthHandle exposes the published auth-store handle, used by internal/api
// to serve the /api/v1/cluster/export feed.
func (p *Proxy) AuthHandle() *authstore.Handle {
	return p.authHandle
}

// RulesetHandle exposes the published ruleset handle, used by internal/api
// to serve /api/v1/stats's filtering counters.
func (p *Proxy) RulesetHandle() *ruleset.Handle {
	return p.rulesetHandle
}

// Store exposes the optional sqlite-backed user store, non-nil only when
// config.StoreConfig.Enabled. internal/api uses it for user CRUD and for
// the version counter backing cluster export/import.
func (p *Proxy) Store() *store.DB {
	return p.storeDB
}

// Syncer exposes the optional cluster secondary-mode syncer, non-nil only
// when config.ClusterConfig.Mode is "secondary".
func (p *Proxy) Syncer() *cluster.Syncer {
	return p.syncer
}

// AuthVersion reports the version to serve at GET /api/v1/cluster/export on
// a primary node (the DB-backed version counter, or 0 without a store).
func (p *Proxy) AuthVersion() int64 {
	return p.authVersion()
}

func resolveListenAddr(cfg *config.Config) (endpoint.Endpoint, error) {
	host := cfg.Main.ListenAddr
	if host == "" {
		host = "::"
	}
	return endpoint.FromHostPort(net.JoinHostPort(host, cfg.Main.Port))
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
