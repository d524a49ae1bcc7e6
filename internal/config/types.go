// Package config loads the proxy's on-disk/environment configuration into
// an immutable *Config value, built once at startup and passed by reference
// into every Worker and Session. There is no mutable global configuration
// state anywhere in the proxy.
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how the worker count is determined.
type WorkersMode int

const (
	// WorkersAuto sizes the worker pool to runtime.NumCPU().
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses an explicit worker count.
	WorkersFixed
)

// WorkerSetting is the parsed form of `main.workers`.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// DomainAddressFamily is the parsed `main.domain-address-type` setting.
type DomainAddressFamily int

const (
	FamilyUnspecified DomainAddressFamily = iota
	FamilyIPv4
	FamilyIPv6
)

// MainConfig is the `main` section: listener topology, bind policy,
// and the optional UDP-ASSOCIATE listen address.
type MainConfig struct {
	WorkersRaw   string        `yaml:"workers"              mapstructure:"workers"`
	Workers      WorkerSetting `yaml:"-"                    mapstructure:"-"`
	Port         string        `yaml:"port"                 mapstructure:"port"`
	ListenAddr   string        `yaml:"listen-address"       mapstructure:"listen-address"`
	UDPPort      string        `yaml:"udp-port"             mapstructure:"udp-port"`
	UDPListen    string        `yaml:"udp-listen-address"   mapstructure:"udp-listen-address"`
	ListenV6Only bool          `yaml:"listen-ipv6-only"     mapstructure:"listen-ipv6-only"`

	BindAddr   string `yaml:"bind-address"    mapstructure:"bind-address"`
	BindAddrV4 string `yaml:"bind-address-v4" mapstructure:"bind-address-v4"`
	BindAddrV6 string `yaml:"bind-address-v6" mapstructure:"bind-address-v6"`
	BindIface  string `yaml:"bind-interface"  mapstructure:"bind-interface"`

	UDPPublicAddrV4 string `yaml:"udp-public-address-v4" mapstructure:"udp-public-address-v4"`
	UDPPublicAddrV6 string `yaml:"udp-public-address-v6" mapstructure:"udp-public-address-v6"`

	DomainAddressTypeRaw string              `yaml:"domain-address-type" mapstructure:"domain-address-type"`
	DomainAddressType    DomainAddressFamily `yaml:"-"                   mapstructure:"-"`

	MarkRaw string `yaml:"mark" mapstructure:"mark"`
	Mark    uint32 `yaml:"-"    mapstructure:"-"`

	DNSServer string `yaml:"dns-server" mapstructure:"dns-server"`
}

// AuthConfig is the `auth` section: either one inline credential or a
// path to a line-oriented auth file (`name SP pass [SP hex-mark] NL`).
type AuthConfig struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	File     string `yaml:"file"     mapstructure:"file"`
}

// MiscConfig is the `misc` section.
type MiscConfig struct {
	TaskStackSize      int    `yaml:"task-stack-size"       mapstructure:"task-stack-size"`
	UDPRecvBufferSize  int    `yaml:"udp-recv-buffer-size"  mapstructure:"udp-recv-buffer-size"`
	ConnectTimeoutMs   int    `yaml:"connect-timeout"       mapstructure:"connect-timeout"`
	ReadWriteTimeoutMs int    `yaml:"read-write-timeout"    mapstructure:"read-write-timeout"`
	PIDFile            string `yaml:"pid-file"              mapstructure:"pid-file"`
	LogFile            string `yaml:"log-file"              mapstructure:"log-file"`
	LogLevel           string `yaml:"log-level"             mapstructure:"log-level"`
	LimitNoFile        int    `yaml:"limit-nofile"          mapstructure:"limit-nofile"`
}

// RulesetConfig is the `ruleset` section: destination-domain blocklists
// applied to CONNECT requests that carry a domain address.
type RulesetConfig struct {
	Enabled          bool              `yaml:"enabled"           mapstructure:"enabled"`
	BlacklistDomains []string          `yaml:"blacklist-domains" mapstructure:"blacklist-domains"`
	Blocklists       []BlocklistConfig `yaml:"blocklists"        mapstructure:"blocklists"`
	RefreshInterval  string            `yaml:"refresh-interval"  mapstructure:"refresh-interval"`
}

// BlocklistConfig names one remote blocklist source.
type BlocklistConfig struct {
	Name   string `yaml:"name"   mapstructure:"name"`
	URL    string `yaml:"url"    mapstructure:"url"`
	Format string `yaml:"format" mapstructure:"format"`
}

// APIConfig is the `api` section: the optional admin HTTP surface for
// stats, reload, and user management.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api-key" mapstructure:"api-key"`
}

// StoreConfig is the `store` section: optional sqlite-backed auth
// persistence, an alternative to `auth.file` for admin-API-managed users.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path"    mapstructure:"path"`
}

// ClusterMode selects this instance's role in auth-store replication.
type ClusterMode string

const (
	ClusterStandalone ClusterMode = "standalone"
	ClusterPrimary    ClusterMode = "primary"
	ClusterSecondary  ClusterMode = "secondary"
)

// ClusterConfig is the `cluster` section.
type ClusterConfig struct {
	Mode         ClusterMode `yaml:"mode"          mapstructure:"mode"`
	NodeID       string      `yaml:"node-id"       mapstructure:"node-id"`
	PrimaryURL   string      `yaml:"primary-url"   mapstructure:"primary-url"`
	SharedSecret string      `yaml:"shared-secret" mapstructure:"shared-secret"`
	SyncInterval string      `yaml:"sync-interval" mapstructure:"sync-interval"`
}

// Config is the root configuration value. It is built once by Load and
// never mutated afterward.
type Config struct {
	Main    MainConfig    `yaml:"main"    mapstructure:"main"`
	Auth    AuthConfig    `yaml:"auth"    mapstructure:"auth"`
	Misc    MiscConfig    `yaml:"misc"    mapstructure:"misc"`
	Ruleset RulesetConfig `yaml:"ruleset" mapstructure:"ruleset"`
	API     APIConfig     `yaml:"api"     mapstructure:"api"`
	Store   StoreConfig   `yaml:"store"   mapstructure:"store"`
	Cluster ClusterConfig `yaml:"cluster" mapstructure:"cluster"`
}

// ResolveConfigPath determines the config file path from a flag value or
// the SOCKS5D_CONFIG environment variable, flag taking precedence.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("SOCKS5D_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable
// overrides (SOCKS5D_* prefix) and built-in defaults.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
