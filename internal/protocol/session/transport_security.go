package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	trimmed := strings.ToLower(strings.TrimSpace(string(mode)))
	if trimmed == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(trimmed)
}

// commonTransport enforces the rules shared by both ends of the channel and
// reports whether production mode is in force.
func (c Config) commonTransport() (bool, error) {
	mode := NormalizeSecurityMode(c.SecurityMode)
	if mode != SecurityModeDevelopment && mode != SecurityModeProduction {
		return false, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	production := mode == SecurityModeProduction
	switch {
	case production && !c.TLS.Enabled:
		return production, ErrTLSRequired
	case production && !c.TLS.Mutual:
		return production, ErrMTLSRequired
	case c.TLS.Mutual && !c.TLS.Enabled:
		return production, ErrTLSRequired
	}
	return production, nil
}

func (t TLSConfig) keyPairErr() error {
	if strings.TrimSpace(t.CertFile) == "" {
		return ErrTLSCertFileRequired
	}
	if strings.TrimSpace(t.KeyFile) == "" {
		return ErrTLSKeyFileRequired
	}
	return nil
}

// ValidateClientTransport checks the dialing side. Clients verify the daemon
// against CAFile unless verification is explicitly skipped, which production
// forbids.
func (c Config) ValidateClientTransport() error {
	production, err := c.commonTransport()
	if err != nil {
		return err
	}
	if production && c.TLS.InsecureSkipVerify {
		return ErrTLSInsecureSkipNotAllow
	}
	if c.TLS.Enabled && !c.TLS.InsecureSkipVerify && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	if c.TLS.Mutual {
		return c.TLS.keyPairErr()
	}
	return nil
}

// ValidateServerTransport checks the listening side. The daemon always needs
// its own key pair once TLS is on, and a CA when it verifies clients.
func (c Config) ValidateServerTransport() error {
	if _, err := c.commonTransport(); err != nil {
		return err
	}
	if c.TLS.Enabled {
		if err := c.TLS.keyPairErr(); err != nil {
			return err
		}
	}
	if c.TLS.Mutual && strings.TrimSpace(c.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ServerTLS builds the listener TLS config, or nil when TLS is disabled.
func (c Config) ServerTLS() (*tls.Config, error) {
	if err := c.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !c.TLS.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		pool, err := loadCAPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLS builds the dialer TLS config, or nil when TLS is disabled.
func (c Config) ClientTLS() (*tls.Config, error) {
	if err := c.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if !c.TLS.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if strings.TrimSpace(c.TLS.CAFile) != "" {
		pool, err := loadCAPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
