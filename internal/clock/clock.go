package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so schedulers and sweeps can be driven by tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns a Clock backed by time.Now in UTC.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(New),
)
