package clock

import "time"

// Clock abstracts time lookup so expiry and billing logic can be tested
// against a fake.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
