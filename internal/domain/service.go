package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Service is an offering owned by an actor. The catalog lives outside the
// scheduling core; callers resolve it and hand it over when booking.
type Service struct {
	ID        string
	ActorID   string
	Name      string
	Duration  time.Duration
	BasePrice decimal.Decimal
}
