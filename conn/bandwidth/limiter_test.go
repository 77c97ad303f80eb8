package bandwidth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	egress  = "egress"
	ingress = "ingress"
)

func reserve(l *Limiter, nbytes int, direction string) error {
	if direction == egress {
		return l.ReserveEgress(nbytes)
	}
	return l.ReserveIngress(nbytes)
}

func TestLimiterReserveConcurrency(t *testing.T) {
	t.Parallel()

	for _, direction := range []string{egress, ingress} {
		t.Run(direction, func(t *testing.T) {
			require := require.New(t)

			bps := int64(100)

			l := NewLimiter(Config{
				MaxUploadSpeed:   bps,
				MaxDownloadSpeed: bps,
			}, zap.NewNop().Sugar())

			// This test starts a bunch of goroutines and sees how many bytes
			// they can reserve in nsecs.
			nsecs := 4

			stop := make(chan struct{})
			go func() {
				<-time.After(time.Duration(nsecs) * time.Second)
				close(stop)
			}()

			var mu sync.Mutex
			var nbytes int

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						require.NoError(reserve(l, 1, direction))
						select {
						case <-stop:
							return
						default:
							mu.Lock()
							nbytes++
							mu.Unlock()
						}
					}
				}()
			}
			wg.Wait()

			// The bucket is initially full, hence nsecs + 1.
			require.InDelta(bps*int64(nsecs+1), int64(nbytes), 10.0)
		})
	}
}

func TestLimiterReserveErrorWhenBytesLargerThanBucket(t *testing.T) {
	t.Parallel()

	for _, direction := range []string{egress, ingress} {
		t.Run(direction, func(t *testing.T) {
			require := require.New(t)

			l := NewLimiter(Config{
				MaxUploadSpeed:   10,
				MaxDownloadSpeed: 10,
			}, zap.NewNop().Sugar())

			require.Error(reserve(l, 12, direction))
		})
	}
}

func TestLimiterZeroSpeedIsUnlimited(t *testing.T) {
	t.Parallel()

	for _, direction := range []string{egress, ingress} {
		t.Run(direction, func(t *testing.T) {
			require := require.New(t)

			l := NewLimiter(Config{}, zap.NewNop().Sugar())

			start := time.Now()
			require.NoError(reserve(l, 10_000_000, direction))
			require.Less(time.Since(start), time.Second)
		})
	}
}

func TestNilLimiterIsUnlimited(t *testing.T) {
	t.Parallel()

	var l *Limiter
	require.NoError(t, l.ReserveEgress(10_000_000))
	require.NoError(t, l.ReserveIngress(10_000_000))
}
