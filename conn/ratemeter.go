package conn

import (
	"math"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// rateMeterTau is the exponential decay constant used to smooth download/
// upload rates: roughly the window over which a burst's contribution to the
// reported rate fades out.
const rateMeterTau = 10 * time.Second

// rateMeter is a decaying estimate of bytes/sec, updated on every transfer
// and decayed lazily on read so an idle connection's rate drifts back to
// zero without a background goroutine.
type rateMeter struct {
	mu   sync.Mutex
	clk  clock.Clock
	rate float64
	last time.Time
}

func newRateMeter(clk clock.Clock) *rateMeter {
	return &rateMeter{clk: clk, last: clk.Now()}
}

func (r *rateMeter) add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	dt := now.Sub(r.last)
	r.last = now
	if dt <= 0 {
		r.rate += float64(n)
		return
	}
	decay := math.Exp(-dt.Seconds() / rateMeterTau.Seconds())
	instantaneous := float64(n) / dt.Seconds()
	r.rate = r.rate*decay + instantaneous*(1-decay)
}

// Rate returns the current smoothed bytes/sec estimate, decayed for any
// time elapsed since the last transfer.
func (r *rateMeter) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	dt := r.clk.Now().Sub(r.last)
	if dt <= 0 {
		return r.rate
	}
	return r.rate * math.Exp(-dt.Seconds()/rateMeterTau.Seconds())
}
