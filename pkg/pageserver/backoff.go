package pageserver

import "time"

// Reconnection backoff bounds. A failed connect is retried after the
// current delay, which doubles on repeated rapid failures; once an
// attempt happens more than MaxReconnectInterval after the previous one
// (i.e. the last connection stayed up for a while) the delay snaps back
// to the minimum.
const (
	MinReconnectInterval = time.Millisecond
	MaxReconnectInterval = time.Second
)

// backoff tracks the reconnect delay for one shard connection.
// Not safe for concurrent use; owned by the connection it throttles.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
	last     time.Time // time of the previous connect attempt
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = MinReconnectInterval
	}
	if max < min {
		max = MaxReconnectInterval
	}
	return &backoff{min: min, max: max}
}

// next returns the delay to wait before the connect attempt happening at
// now, and advances the state. The first attempt, and any attempt after a
// sustained quiet period, gets a zero delay.
func (b *backoff) next(now time.Time) time.Duration {
	defer func() { b.last = now }()

	if b.last.IsZero() || now.Sub(b.last) >= b.max {
		b.cur = b.min
		return 0
	}

	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}
