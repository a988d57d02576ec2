// Package config loads one shard replica's startup configuration
// (spec.md §2 "Deployment", §7 "Configuration surface" supplemented
// feature): identity, storage paths, transport addresses, the static
// committee roster and consensus timing, from a YAML file and environment
// variables, in that increasing order of precedence; no command-line flag
// is bound to a setting — the same file-then-environment layering the REChain Network Solutions config
// loader establishes with Viper (cmd/rechain/main.go's initConfig).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tari-project/dan-consensus-core/internal/types"
)

// Validator describes one committee member as the config file names it:
// a node id plus the hex-encoded public key epochmgr needs to verify its
// votes and block signatures.
type Validator struct {
	NodeID       string `mapstructure:"node_id"`
	PublicKeyHex string `mapstructure:"public_key"`
	ShardGroup   uint32 `mapstructure:"shard_group"`
	// PeerAddr is this validator's dialable libp2p multiaddr, including its
	// /p2p/<id> suffix. Empty for NodeID == this replica's own NodeID, which
	// never dials itself.
	PeerAddr string `mapstructure:"peer_addr"`
}

// Config is one replica's complete startup configuration.
type Config struct {
	NodeID         string `mapstructure:"node_id"`
	DataDir        string `mapstructure:"data_dir"`
	ShardGroup     uint32 `mapstructure:"shard_group"`
	SigningKeyPath string `mapstructure:"signing_key_path"`

	ListenAddrs []string `mapstructure:"listen_addrs"`
	Bootstrap   []string `mapstructure:"bootstrap"`

	Epoch         uint64      `mapstructure:"epoch"`
	NumCommittees uint32      `mapstructure:"num_committees"`
	Validators    []Validator `mapstructure:"validators"`

	PacemakerBaseTimeout time.Duration `mapstructure:"pacemaker_base_timeout"`
	TimeoutPollInterval  time.Duration `mapstructure:"timeout_poll_interval"`
	MaxCommandsPerBlock  int           `mapstructure:"max_commands_per_block"`
	PoolCapacity         int           `mapstructure:"pool_capacity"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// ErrNoLocalValidator is returned when NodeID does not name any entry in
// Validators — a replica cannot resolve its own signing identity and
// committee slot without one.
var ErrNoLocalValidator = errors.New("config: node_id does not match any configured validator")

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("signing_key_path", "./data/node.key")
	v.SetDefault("shard_group", 0)
	v.SetDefault("listen_addrs", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("bootstrap", []string{})
	v.SetDefault("epoch", 1)
	v.SetDefault("num_committees", 1)
	v.SetDefault("pacemaker_base_timeout", 2*time.Second)
	v.SetDefault("timeout_poll_interval", 200*time.Millisecond)
	v.SetDefault("max_commands_per_block", 100)
	v.SetDefault("pool_capacity", 10000)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
}

// Load reads configPath (if non-empty and present), then layers
// SHARDD_-prefixed environment variables over it, and unmarshals the
// result into a Config. A missing configPath is not an error — every
// setting falls back to its default or an environment override, the
// same tolerance REChain's initConfig shows a config file (spec.md §7
// supplemented feature: "run from flags/env alone in a single-node
// devnet").
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHARDD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// LocalValidator returns the entry in Validators matching NodeID.
func (c *Config) LocalValidator() (Validator, error) {
	for _, val := range c.Validators {
		if val.NodeID == c.NodeID {
			return val, nil
		}
	}
	return Validator{}, ErrNoLocalValidator
}

// CommitteeMembers returns, for a given shard group, the NodeIDs of every
// validator configured for it, in configuration order — the fixed
// committee roster epochmgr.StaticManager.LoadEpoch needs (spec.md §2:
// committees are static for a devnet-scale deployment).
func (c *Config) CommitteeMembers(shardGroup types.ShardGroup) []types.NodeID {
	var out []types.NodeID
	for _, val := range c.Validators {
		if types.ShardGroup(val.ShardGroup) == shardGroup {
			out = append(out, types.NodeID(val.NodeID))
		}
	}
	return out
}
