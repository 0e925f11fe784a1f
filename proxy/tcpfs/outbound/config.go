package outbound

import (
	"net"
	"time"

	"github.com/tcpfs/tcpfs/proxy/tcpfs"
)

const (
	DefaultPort         = "8080"
	DefaultChannel      = "test"
	DefaultDialTimeout  = 10 * time.Second
	DefaultDialAttempts = 5
	DefaultRetryDelay   = 100 * time.Millisecond
)

// Config controls how a Session connects and moves data.
type Config struct {
	// Address is host:port of the server. A bare host gets DefaultPort.
	Address string
	// Channel is the channel selected when the session starts.
	Channel   string
	ChunkSize int

	DialTimeout  time.Duration
	DialAttempts int
	RetryDelay   time.Duration

	// ReadTimeout bounds the wait for the server while a command or transfer is outstanding.
	// Zero waits forever.
	ReadTimeout time.Duration

	// Socks is an optional proxy URI such as socks5://127.0.0.1:1080.
	Socks string
}

func (c Config) withDefaults() Config {
	if c.Address != "" {
		if _, _, err := net.SplitHostPort(c.Address); err != nil {
			c.Address = net.JoinHostPort(c.Address, DefaultPort)
		}
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = tcpfs.DefaultChunkSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}
