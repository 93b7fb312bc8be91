package session

import "time"

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig points at PEM files. Mutual requires client certificates on the
// server side and presents one from the client side.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config defines transport/session defaults shared by server and client.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadIdleTimeout closes a client connection that has been silent this
	// long. Zero disables the check; replication is push-only.
	ReadIdleTimeout time.Duration
	// ChunkSize bounds the payload bytes of one sync message.
	ChunkSize    int
	SecurityMode SecurityMode
	TLS          TLSConfig
	Backoff      BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		ChunkSize:        32 * 1024,
		SecurityMode:     SecurityModeDevelopment,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}
