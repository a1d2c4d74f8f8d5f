package coremain

import (
	"github.com/pmkol/hostcache/mlog"
)

// Config is the root of the yaml config file.
type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Include  []string       `yaml:"include"`
	Cache    CacheConfig    `yaml:"cache"`
	Resolver ResolverConfig `yaml:"resolver"`
	Server   ServerConfig   `yaml:"server"`
	Netwatch NetwatchConfig `yaml:"netwatch"`
	API      APIConfig      `yaml:"api"`
}

type CacheConfig struct {
	// MaxEntries is the cache capacity. Zero picks the build default.
	// Use Disabled to turn caching off.
	MaxEntries int  `yaml:"max_entries"`
	Disabled   bool `yaml:"disabled"`

	// CheckOwner makes the cache panic on calls from outside its owner
	// goroutine.
	CheckOwner bool `yaml:"check_owner"`

	Persist PersistConfig `yaml:"persist"`
}

type PersistConfig struct {
	// File enables the snapshot file store.
	File string `yaml:"file"`

	// Redis enables the redis store, e.g. redis://localhost:6379/0.
	// It takes precedence over File.
	Redis        string `yaml:"redis"`
	RedisKey     string `yaml:"redis_key"`
	RedisTimeout int    `yaml:"redis_timeout"` // in milliseconds

	// Delay between a cache change and the write, in seconds.
	Delay int `yaml:"delay"`
}

type ResolverConfig struct {
	// Upstreams are "host[:port]", "udp://host[:port]" or "tcp://host[:port]".
	// With no upstreams the system resolver is used.
	Upstreams   []string `yaml:"upstreams"`
	Timeout     int      `yaml:"timeout"` // in seconds
	DisableIPv6 bool     `yaml:"disable_ipv6"`
	ServeStale  bool     `yaml:"serve_stale"`
	MinTTL      uint32   `yaml:"min_ttl"`
	MaxTTL      uint32   `yaml:"max_ttl"`
	NegativeTTL uint32   `yaml:"negative_ttl"`
	HostsFile   string   `yaml:"hosts_file"`
}

type ServerConfig struct {
	Listeners []ListenerConfig `yaml:"listeners"`

	// ACL lists client addresses and prefixes. Empty allows all.
	ACL           []string `yaml:"acl"`
	StaleReplyTTL uint32   `yaml:"stale_reply_ttl"`
	QueryTimeout  int      `yaml:"query_timeout"` // in seconds
}

type ListenerConfig struct {
	// Protocol is "udp" or "tcp". Default is "udp".
	Protocol    string `yaml:"protocol"`
	Addr        string `yaml:"addr"`
	IdleTimeout int    `yaml:"idle_timeout"` // in seconds
}

type NetwatchConfig struct {
	// Interval of interface polling in seconds. Negative disables polling.
	Interval int `yaml:"interval"`

	// WatchFiles are watched for changes. The hosts file is always watched.
	WatchFiles []string `yaml:"watch_files"`
	Debounce   int      `yaml:"debounce"` // in milliseconds
	Disabled   bool     `yaml:"disabled"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}
