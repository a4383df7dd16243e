package feed

import (
	"math/rand"
	"time"
)

// minPollDelay keeps a heavily jittered schedule from spinning.
const minPollDelay = time.Millisecond

// pollSchedule yields successive poll delays around a base interval. Each
// delay lands uniformly in [base*(1-spread), base*(1+spread)].
type pollSchedule struct {
	base   time.Duration
	spread float64
	sample func() float64
}

func newPollSchedule(base time.Duration, spread float64) *pollSchedule {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &pollSchedule{base: base, spread: spreadRatio(spread), sample: rng.Float64}
}

func (p *pollSchedule) next() time.Duration {
	if p.base <= 0 {
		return minPollDelay
	}
	if p.spread == 0 || p.sample == nil {
		return p.base
	}
	return p.at(p.sample())
}

// at maps a sample in [0,1] onto the delay range.
func (p *pollSchedule) at(sample float64) time.Duration {
	sample = min(max(sample, 0), 1)
	offset := (2*sample - 1) * p.spread
	delay := time.Duration(float64(p.base) * (1 + offset))
	return max(delay, minPollDelay)
}

func spreadRatio(v float64) float64 {
	return min(max(v, 0), 1)
}
