// Package config provides a reusable loader for the mixrelay node's
// configuration files and environment variables, and the typed
// configuration surface (the struct + defaults) every other component
// depends on.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// SessionConfig holds the session.* keys.
type SessionConfig struct {
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	MaximumSessions     uint32        `mapstructure:"maximum_sessions" json:"maximum_sessions"`
	EstablishMaxRetries uint32        `mapstructure:"establish_max_retries" json:"establish_max_retries"`
	MTU                 int           `mapstructure:"mtu" json:"mtu"`

	// Reliable enables reliability mode: periodic FrameAck
	// bitmaps and bitmap-driven segment retransmission.
	Reliable          bool          `mapstructure:"reliable" json:"reliable"`
	AckInterval       time.Duration `mapstructure:"ack_interval" json:"ack_interval"`
	MaxSegmentRetries uint32        `mapstructure:"max_segment_retries" json:"max_segment_retries"`
}

// MixerConfig holds the mixer.* keys.
type MixerConfig struct {
	MinDelay   time.Duration `mapstructure:"min_delay" json:"min_delay"`
	DelayRange time.Duration `mapstructure:"delay_range" json:"delay_range"`
	Capacity   int           `mapstructure:"capacity" json:"capacity"`
}

// ActionQueueConfig holds the action_queue.* keys.
type ActionQueueConfig struct {
	MaxActionConfirmationWait time.Duration `mapstructure:"max_action_confirmation_wait" json:"max_action_confirmation_wait"`
	QueueSize                 int           `mapstructure:"queue_size" json:"queue_size"`
	InterActionDelay          time.Duration `mapstructure:"inter_action_delay" json:"inter_action_delay"`

	// ChallengePeriod is the on-chain challenge window a PendingToClose
	// outgoing channel must wait out before FinalizeOutgoingChannelClosure
	// can be submitted.
	ChallengePeriod time.Duration `mapstructure:"challenge_period" json:"challenge_period"`
}

// StrategyConfig holds the strategy.* keys.
type StrategyConfig struct {
	DestinationPeers        []string      `mapstructure:"destination_peers" json:"destination_peers"`
	NetworkQualityThreshold float64       `mapstructure:"network_quality_threshold" json:"network_quality_threshold"`
	MinimumPeerVersion      string        `mapstructure:"minimum_peer_version" json:"minimum_peer_version"`
	MinStakeThreshold       uint64        `mapstructure:"min_stake_threshold" json:"min_stake_threshold"`
	FundingAmount           uint64        `mapstructure:"funding_amount" json:"funding_amount"`
	TickInterval            time.Duration `mapstructure:"tick_interval" json:"tick_interval"`
	PrecheckBalance         bool          `mapstructure:"precheck_balance" json:"precheck_balance"`
}

// MinimumPeerVersionConstraint parses MinimumPeerVersion as a semver
// constraint, e.g. ">=2.0.0". An empty string means "no constraint".
func (s StrategyConfig) MinimumPeerVersionConstraint() (*semver.Constraints, error) {
	if s.MinimumPeerVersion == "" {
		return nil, nil
	}
	c, err := semver.NewConstraint(s.MinimumPeerVersion)
	if err != nil {
		return nil, fmt.Errorf("parse minimum_peer_version %q: %w", s.MinimumPeerVersion, err)
	}
	return c, nil
}

// PingConfig governs the heartbeat batch.
type PingConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxParallel    int           `mapstructure:"max_parallel" json:"max_parallel"`
	HistoryPerPeer int           `mapstructure:"history_per_peer" json:"history_per_peer"`
}

// NetworkConfig covers the libp2p transport surface.
type NetworkConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
}

// LoggingConfig controls the logrus level and optional output file.
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// Config is the unified configuration for a mixrelay node.
type Config struct {
	Network     NetworkConfig     `mapstructure:"network" json:"network"`
	Session     SessionConfig     `mapstructure:"session" json:"session"`
	Mixer       MixerConfig       `mapstructure:"mixer" json:"mixer"`
	ActionQueue ActionQueueConfig `mapstructure:"action_queue" json:"action_queue"`
	Strategy    StrategyConfig    `mapstructure:"strategy" json:"strategy"`
	Ping        PingConfig        `mapstructure:"ping" json:"ping"`
	Logging     LoggingConfig     `mapstructure:"logging" json:"logging"`

	// SafeAddress is the node's registered Safe module address;
	// cmd/mixrelayd passes it to the action queue and the strategy as this
	// node's own on-chain address. Out-of-scope keystore/chain loading is assumed
	// to have populated it before the action queue starts.
	SafeAddress common.Address `mapstructure:"-" json:"-"`
}

// Default returns a Config populated with the node's out-of-the-box
// defaults, the way a reference deployment's default.yaml would.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			ListenAddr:   "/ip4/0.0.0.0/tcp/0",
			DiscoveryTag: "mixrelay",
		},
		Session: SessionConfig{
			IdleTimeout:         60 * time.Second,
			MaximumSessions:     128,
			EstablishMaxRetries: 5,
			MTU:                 1280,
			Reliable:            false,
			AckInterval:         100 * time.Millisecond,
			MaxSegmentRetries:   5,
		},
		Mixer: MixerConfig{
			MinDelay:   0,
			DelayRange: 200 * time.Millisecond,
			Capacity:   1024,
		},
		ActionQueue: ActionQueueConfig{
			MaxActionConfirmationWait: 90 * time.Second,
			QueueSize:                 2048,
			InterActionDelay:          100 * time.Millisecond,
			ChallengePeriod:           15 * time.Minute,
		},
		Strategy: StrategyConfig{
			NetworkQualityThreshold: 0.5,
			TickInterval:            10 * time.Minute,
			PrecheckBalance:         false,
		},
		Ping: PingConfig{
			Timeout:        5 * time.Second,
			MaxParallel:    14,
			HistoryPerPeer: 16,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig = Default()

// Load reads configuration files and merges any environment specific
// overrides on top of Default(). The resulting configuration is stored in
// AppConfig and returned.
func Load(env string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("default")
	v.AddConfigPath("cmd/config")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	AppConfig = cfg
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MIXRELAY_ENV environment
// variable, falling back to Default() alone when no file is present.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("MIXRELAY_ENV"))
}
