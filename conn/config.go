package conn

import (
	"time"

	"github.com/dmoreau/gobt/conn/bandwidth"
)

// Config is the per-connection configuration described in spec §4.6.
type Config struct {
	// HandshakeTimeout bounds dialing, writing and reading during the
	// MSE/PE and BitTorrent handshakes.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SenderBufferSize / ReceiverBufferSize size the channels used to
	// decouple the read/write loops from their consumers.
	SenderBufferSize   int `yaml:"sender_buffer_size"`
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// KeepAliveInterval is how long a Conn may sit idle before it sends an
	// empty keep-alive frame.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// IdleTimeout is how long a Conn may go without receiving any frame
	// before it is closed.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// InitialPipelineDepth is the number of outstanding Requests allowed at
	// connection start, raised adaptively by the scheduler thereafter.
	InitialPipelineDepth int `yaml:"initial_pipeline_depth"`

	// Limiter enforces the torrent-wide upload/download speed caps, if any.
	// It is not YAML-configurable here: the owning torrent builds one shared
	// instance from engine.Config's max_upload_speed/max_download_speed and
	// assigns it before dialing or accepting any Conn. A nil Limiter, like a
	// nil *bandwidth.Limiter method receiver, imposes no limit.
	Limiter *bandwidth.Limiter `yaml:"-"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 100
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 100
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.InitialPipelineDepth == 0 {
		c.InitialPipelineDepth = 16
	}
	return c
}
