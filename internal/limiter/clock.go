package limiter

import "time"

// Clock abstracts time so tests can drive the limiter deterministically,
// mirroring the teacher's ratelimit.Clock interface.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
