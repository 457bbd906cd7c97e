package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BlockKind string

const (
	BlockKindVacation    BlockKind = "vacation"
	BlockKindHoliday     BlockKind = "holiday"
	BlockKindMaintenance BlockKind = "maintenance"
	BlockKindOther       BlockKind = "other"
)

func (k BlockKind) Valid() bool {
	switch k {
	case BlockKindVacation, BlockKindHoliday, BlockKindMaintenance, BlockKindOther:
		return true
	}
	return false
}

// Block is a blackout window during which the actor cannot be booked.
type Block struct {
	bun.BaseModel `bun:"table:blocks"`

	ID          uuid.UUID `bun:"id,pk,type:uuid"`
	ActorID     string    `bun:"actor_id,notnull"`
	Title       string    `bun:"title,notnull"`
	Description string    `bun:"description"`
	Kind        BlockKind `bun:"kind,notnull"`
	StartTime   time.Time `bun:"start_time,notnull"`
	EndTime     time.Time `bun:"end_time,notnull"`
	Active      bool      `bun:"active,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

func (b Block) Interval() Interval {
	return Interval{Start: b.StartTime, End: b.EndTime}
}

func (b *Block) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if b.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			b.ID = id
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		b.UpdatedAt = now
	}
	return nil
}
