// Package bandwidth enforces the optional global upload/download speed caps
// named by engine.Config's max_upload_speed/max_download_speed (spec §6): a
// single Limiter is shared by every Conn a torrent opens, so the cap bounds
// the torrent's aggregate transfer rate rather than each peer individually.
package bandwidth

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config carries the two speed caps in bytes/sec, the units spec §6's
// configuration options are expressed in. A zero value means unlimited.
type Config struct {
	MaxUploadSpeed   int64 `yaml:"max_upload_speed"`
	MaxDownloadSpeed int64 `yaml:"max_download_speed"`
}

// Limiter rate-limits egress and ingress bytes via independent token
// buckets. A nil *Limiter, or a direction left at 0 in Config, imposes no
// limit: every method is nil-safe so callers never special-case "disabled".
type Limiter struct {
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// NewLimiter builds a Limiter from config, logging each cap that is set the
// way a torrent logs any other resolved startup setting. Nothing is logged
// for a direction left unlimited.
func NewLimiter(config Config, logger *zap.SugaredLogger) *Limiter {
	l := &Limiter{}
	if config.MaxUploadSpeed > 0 {
		l.egress = rate.NewLimiter(rate.Limit(config.MaxUploadSpeed), int(config.MaxUploadSpeed))
		logger.Infof("Capping upload bandwidth at %d bytes/sec", config.MaxUploadSpeed)
	}
	if config.MaxDownloadSpeed > 0 {
		l.ingress = rate.NewLimiter(rate.Limit(config.MaxDownloadSpeed), int(config.MaxDownloadSpeed))
		logger.Infof("Capping download bandwidth at %d bytes/sec", config.MaxDownloadSpeed)
	}
	return l
}

func reserve(rl *rate.Limiter, nbytes int) error {
	if rl == nil {
		return nil
	}
	r := rl.ReserveN(time.Now(), nbytes)
	if !r.OK() {
		return fmt.Errorf("cannot reserve %d bytes of bandwidth, max burst is %d bytes", nbytes, rl.Burst())
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until nbytes of upload bandwidth is available.
// Returns an error if nbytes alone exceeds the configured cap.
func (l *Limiter) ReserveEgress(nbytes int) error {
	if l == nil {
		return nil
	}
	return reserve(l.egress, nbytes)
}

// ReserveIngress blocks until nbytes of download bandwidth is available.
// Returns an error if nbytes alone exceeds the configured cap.
func (l *Limiter) ReserveIngress(nbytes int) error {
	if l == nil {
		return nil
	}
	return reserve(l.ingress, nbytes)
}
