package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time.Now so schedules can be driven in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return systemClock{} }

// Module wires the wall clock.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
