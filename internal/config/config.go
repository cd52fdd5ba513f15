// Package config holds server configuration: defaults, an optional TOML
// file (BurntSushi/toml, following shanas-swi-telegraf's config-file
// idiom), and flag-driven overrides for port and replica target.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the full set of knobs this server understands. Host, Port,
// ReplicaOfHost and ReplicaOfPort select the listen address and
// replication target; the rest are ambient additions (admission
// shaping, buffer sizing) in the spirit of a typical DefaultConfig().
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	ReplicaOfHost string `toml:"-"`
	ReplicaOfPort int    `toml:"-"`

	ReadBufferSize  int `toml:"read_buffer_size"`
	WriteBufferSize int `toml:"write_buffer_size"`

	// MaxAcceptsPerSecond bounds how fast the acceptor admits new
	// connections; see internal/server's rate.Limiter wiring.
	MaxAcceptsPerSecond int `toml:"max_accepts_per_second"`
	MaxConnections      int `toml:"max_connections"`
}

// Default returns the out-of-the-box configuration: master role, port
// 6379, no replication, generous buffers.
func Default() Config {
	return Config{
		Host:                "localhost",
		Port:                6379,
		ReadBufferSize:      4096,
		WriteBufferSize:     4096,
		MaxAcceptsPerSecond: 500,
		MaxConnections:      10000,
	}
}

// IsReplica reports whether this configuration names a master to
// replicate from.
func (c Config) IsReplica() bool {
	return c.ReplicaOfHost != "" && c.ReplicaOfPort != 0
}

// LoadFile merges a TOML config file over base. Unset fields in the file
// leave base's values untouched (toml.Decode only overwrites fields
// present in the document).
func LoadFile(path string, base Config) (Config, error) {
	cfg := base
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
