package session

import (
	"time"

	"github.com/danmuck/mediactl/internal/protocol/frame"
)

// SecurityMode selects how strictly transport security is enforced.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig points at the certificate material for one side of the channel.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	Mutual             bool   `toml:"mutual" yaml:"mutual"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines channel transport defaults. Calls themselves carry no
// timeout; only connecting, the handshake and individual writes do.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ConnectAttempts  int
	Backoff          BackoffConfig
	SecurityMode     SecurityMode
	TLS              TLSConfig
	Limits           frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		ConnectAttempts:  5,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
		Limits:       frame.DefaultLimits(),
	}
}
