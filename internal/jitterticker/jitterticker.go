package jitterticker

import (
	"math/rand"
	"sync"
	"time"
)

// Ticker is a time.Ticker-like struct that adds jitter to the interval.
// Ticks are dropped when nobody is receiving, like time.Ticker does.
type Ticker struct {
	interval time.Duration

	maxJitter time.Duration

	C        <-chan time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

func NewTicker(interval time.Duration, maxJitter time.Duration) *Ticker {
	if interval <= 0 {
		panic("non-positive interval")
	}

	if maxJitter < 0 {
		panic("negative max jitter")
	}

	c := make(chan time.Time, 1)
	stop := make(chan struct{})

	ticker := &Ticker{
		C:         c,
		stop:      stop,
		interval:  interval,
		maxJitter: maxJitter,
	}

	go func() {
		defer close(c)

		timer := time.NewTimer(ticker.getDelay())
		defer timer.Stop()

		for {
			select {
			case <-ticker.stop:
				return
			case now := <-timer.C:
				select {
				case c <- now:
				default:
				}
				timer.Reset(ticker.getDelay())
			}
		}
	}()

	return ticker
}

func (t *Ticker) getDelay() time.Duration {
	if t.maxJitter == 0 {
		return t.interval
	}

	return t.interval + time.Duration(rand.Int63n(int64(t.maxJitter)))
}

// Stop ends the ticker and closes C. It is safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}
