// Package config provides configuration loading and validation for the
// proxy.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (SOCKS5D_* prefix)
//  2. YAML config file (the path passed to Load, see ResolveConfigPath)
//  3. Hardcoded defaults
//
// Environment variables are mapped from SOCKS5D_SECTION_SETTING format,
// e.g. SOCKS5D_MAIN_PORT maps to main.port in YAML.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SOCKS5D")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("main.workers", "auto")
	v.SetDefault("main.port", "1080")
	v.SetDefault("main.listen-address", "::")
	v.SetDefault("main.listen-ipv6-only", false)
	v.SetDefault("main.domain-address-type", "")

	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.file", "")

	v.SetDefault("misc.task-stack-size", 8192)
	v.SetDefault("misc.udp-recv-buffer-size", 262144)
	v.SetDefault("misc.connect-timeout", 5000)
	v.SetDefault("misc.read-write-timeout", 60000)
	v.SetDefault("misc.log-file", "stderr")
	v.SetDefault("misc.log-level", "info")

	v.SetDefault("ruleset.enabled", false)
	v.SetDefault("ruleset.blacklist-domains", []string{})
	v.SetDefault("ruleset.blocklists", []BlocklistConfig{})
	v.SetDefault("ruleset.refresh-interval", "24h")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api-key", "")

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "socks5d.db")

	v.SetDefault("cluster.mode", string(ClusterStandalone))
	v.SetDefault("cluster.sync-interval", "30s")
}

func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	loadMainConfig(v, cfg)
	loadAuthConfig(v, cfg)
	loadMiscConfig(v, cfg)
	loadRulesetConfig(v, cfg)
	loadAPIConfig(v, cfg)
	loadStoreConfig(v, cfg)
	loadClusterConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadMainConfig(v *viper.Viper, cfg *Config) {
	cfg.Main.WorkersRaw = v.GetString("main.workers")
	cfg.Main.Workers = parseWorkers(cfg.Main.WorkersRaw)
	cfg.Main.Port = v.GetString("main.port")
	cfg.Main.ListenAddr = v.GetString("main.listen-address")
	cfg.Main.UDPPort = v.GetString("main.udp-port")
	cfg.Main.UDPListen = v.GetString("main.udp-listen-address")
	cfg.Main.ListenV6Only = v.GetBool("main.listen-ipv6-only")
	cfg.Main.BindAddr = v.GetString("main.bind-address")
	cfg.Main.BindAddrV4 = v.GetString("main.bind-address-v4")
	cfg.Main.BindAddrV6 = v.GetString("main.bind-address-v6")
	cfg.Main.BindIface = v.GetString("main.bind-interface")
	cfg.Main.UDPPublicAddrV4 = v.GetString("main.udp-public-address-v4")
	cfg.Main.UDPPublicAddrV6 = v.GetString("main.udp-public-address-v6")
	cfg.Main.DomainAddressTypeRaw = v.GetString("main.domain-address-type")
	cfg.Main.DomainAddressType = parseDomainAddressType(cfg.Main.DomainAddressTypeRaw)
	cfg.Main.MarkRaw = v.GetString("main.mark")
	cfg.Main.DNSServer = v.GetString("main.dns-server")
	if mark, err := ParseMark(cfg.Main.MarkRaw); err == nil {
		cfg.Main.Mark = mark
	}
}

// ParseMark parses a hex-or-decimal `mark` config value using
// strconv's base-0 rules, so both bare decimal and 0x-prefixed hex are
// accepted. An empty string parses to zero with no error.
func ParseMark(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mark %q: %w", raw, err)
	}
	return uint32(n), nil
}

func loadAuthConfig(v *viper.Viper, cfg *Config) {
	cfg.Auth.Username = v.GetString("auth.username")
	cfg.Auth.Password = v.GetString("auth.password")
	cfg.Auth.File = v.GetString("auth.file")
}

func loadMiscConfig(v *viper.Viper, cfg *Config) {
	cfg.Misc.TaskStackSize = v.GetInt("misc.task-stack-size")
	cfg.Misc.UDPRecvBufferSize = v.GetInt("misc.udp-recv-buffer-size")
	cfg.Misc.ConnectTimeoutMs = v.GetInt("misc.connect-timeout")
	cfg.Misc.ReadWriteTimeoutMs = v.GetInt("misc.read-write-timeout")
	cfg.Misc.PIDFile = v.GetString("misc.pid-file")
	cfg.Misc.LogFile = v.GetString("misc.log-file")
	cfg.Misc.LogLevel = v.GetString("misc.log-level")
	cfg.Misc.LimitNoFile = v.GetInt("misc.limit-nofile")
}

func loadRulesetConfig(v *viper.Viper, cfg *Config) {
	cfg.Ruleset.Enabled = v.GetBool("ruleset.enabled")
	cfg.Ruleset.BlacklistDomains = getStringSliceOrSplit(v, "ruleset.blacklist-domains")
	cfg.Ruleset.RefreshInterval = v.GetString("ruleset.refresh-interval")
	if err := v.UnmarshalKey("ruleset.blocklists", &cfg.Ruleset.Blocklists); err != nil {
		cfg.Ruleset.Blocklists = []BlocklistConfig{}
	}
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api-key")
}

func loadStoreConfig(v *viper.Viper, cfg *Config) {
	cfg.Store.Enabled = v.GetBool("store.enabled")
	cfg.Store.Path = v.GetString("store.path")
}

func loadClusterConfig(v *viper.Viper, cfg *Config) {
	cfg.Cluster.Mode = ClusterMode(v.GetString("cluster.mode"))
	cfg.Cluster.NodeID = v.GetString("cluster.node-id")
	cfg.Cluster.PrimaryURL = v.GetString("cluster.primary-url")
	cfg.Cluster.SharedSecret = v.GetString("cluster.shared-secret")
	cfg.Cluster.SyncInterval = v.GetString("cluster.sync-interval")
}

func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}

func parseDomainAddressType(raw string) DomainAddressFamily {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ipv4":
		return FamilyIPv4
	case "ipv6":
		return FamilyIPv6
	default:
		return FamilyUnspecified
	}
}

func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		result := make([]string, 0, len(slice))
		for _, s := range slice {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	if s := v.GetString(key); s != "" {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return nil
}

func normalizeConfig(cfg *Config) error {
	if cfg.Main.Port == "" {
		return errors.New("main.port must be set")
	}
	if cfg.Misc.LogLevel == "" {
		cfg.Misc.LogLevel = "info"
	}
	if cfg.Misc.LogFile == "" {
		cfg.Misc.LogFile = "stderr"
	}
	if cfg.Misc.TaskStackSize <= 0 {
		cfg.Misc.TaskStackSize = 8192
	}
	if cfg.Ruleset.RefreshInterval == "" {
		cfg.Ruleset.RefreshInterval = "24h"
	}
	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		return errors.New("api.port must be 1..65535")
	}
	switch cfg.Cluster.Mode {
	case "", ClusterStandalone, ClusterPrimary, ClusterSecondary:
	default:
		return fmt.Errorf("cluster.mode must be standalone, primary, or secondary, got %q", cfg.Cluster.Mode)
	}
	if cfg.Cluster.Mode == ClusterSecondary && cfg.Cluster.PrimaryURL == "" {
		return errors.New("cluster.primary-url is required when cluster.mode is secondary")
	}
	return nil
}
