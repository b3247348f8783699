// Package config holds the mapstructure-tagged configuration for the hub
// core. Loading it (file, env, flags) is out of scope here, same as the
// teacher's config package: an external caller populates these structs,
// typically via viper, and hands them to hub.NewBinlogSender /
// hub.NewTrysyncDriver.
package config

import "time"

// PeerConfig describes one statically-known peer.
type PeerConfig struct {
	PeerID int32  `mapstructure:"peerId"`
	IP     string `mapstructure:"ip"`
	Port   int    `mapstructure:"port"`
}

// Tunables are the timing/retry constants named in spec §6-§7.
type Tunables struct {
	// MaxRetryTimes bounds consecutive read failures before a
	// BinlogSender gives up on its peer.
	MaxRetryTimes int `mapstructure:"maxRetryTimes"`
	// PortInterval is the fixed offset between a peer's base port
	// (trysync) and its replication port (BinlogSender).
	PortInterval int `mapstructure:"portInterval"`

	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	SendTimeout    time.Duration `mapstructure:"sendTimeout"`
	RecvTimeout    time.Duration `mapstructure:"recvTimeout"`

	ConnectRetryInterval time.Duration `mapstructure:"connectRetryInterval"`
	SendFailureBackoff   time.Duration `mapstructure:"sendFailureBackoff"`
	ReadFailureBackoff   time.Duration `mapstructure:"readFailureBackoff"`
	TrysyncTickInterval  time.Duration `mapstructure:"trysyncTickInterval"`
}

// HubConfig is the top-level config a caller assembles for the core.
type HubConfig struct {
	LocalIP   string       `mapstructure:"localIp"`
	LocalPort int          `mapstructure:"localPort"`
	Peers     []PeerConfig `mapstructure:"peers"`
	Tunables  Tunables     `mapstructure:"tunables"`
}

// DefaultTunables mirrors the source's constants: a small MAX_RETRY_TIMES
// (the low end of the spec's 3-10 range) and the classic pika hub port
// offset.
func DefaultTunables() Tunables {
	return Tunables{
		MaxRetryTimes:        3,
		PortInterval:         2000,
		ConnectTimeout:       1500 * time.Millisecond,
		SendTimeout:          3000 * time.Millisecond,
		RecvTimeout:          3000 * time.Millisecond,
		ConnectRetryInterval: 2 * time.Second,
		SendFailureBackoff:   1 * time.Second,
		ReadFailureBackoff:   500 * time.Millisecond,
		TrysyncTickInterval:  2 * time.Second,
	}
}

func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Tunables: DefaultTunables(),
	}
}
