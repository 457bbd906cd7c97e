package sqlstore

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"schedula/scheduler/internal/domain"
)

const recurrenceOccurrenceKey = "appointments_recurrence_occurrence_key"

// CreateSchema creates tables and indexes from the bun models. Postgres
// deployments apply migrations/ instead; this serves SQLite and tests.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	models := []any{
		(*domain.Appointment)(nil),
		(*domain.Recurrence)(nil),
		(*domain.Block)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		unique  bool
		columns []string
	}{
		{(*domain.Appointment)(nil), "appointments_actor_start_idx", false, []string{"actor_id", "start_time"}},
		{(*domain.Appointment)(nil), "appointments_status_start_idx", false, []string{"status", "start_time"}},
		{(*domain.Appointment)(nil), recurrenceOccurrenceKey, true, []string{"actor_id", "recurrence_id", "start_time"}},
		{(*domain.Block)(nil), "blocks_actor_start_idx", false, []string{"actor_id", "start_time"}},
		{(*domain.Recurrence)(nil), "recurrences_active_actor_idx", false, []string{"active", "actor_id"}},
	}
	for _, ix := range indexes {
		q := db.NewCreateIndex().
			Model(ix.model).
			Index(ix.name).
			Column(ix.columns...).
			IfNotExists()
		if ix.unique {
			q = q.Unique()
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", ix.name, err)
		}
	}
	return nil
}
