package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"schedula/scheduler/internal/domain"
	"schedula/scheduler/internal/store"
)

type Repo struct {
	queries

	db    *bun.DB
	locks *actorLocks
}

func NewRepo(db *bun.DB) *Repo {
	return &Repo{
		queries: queries{db: db},
		db:      db,
		locks:   newActorLocks(),
	}
}

// queries holds the statements shared by the repository and its
// transactions.
type queries struct {
	db bun.IDB
}

type calendarTx struct {
	queries
}

func (r *Repo) InActorTransaction(ctx context.Context, actorID string, fn func(ctx context.Context, tx store.CalendarTx) error) error {
	if r.db.Dialect().Name() == dialect.PG {
		return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if err := lockActorCalendar(ctx, tx, actorID); err != nil {
				return err
			}
			return fn(ctx, calendarTx{queries{db: &tx}})
		})
	}

	unlock := r.locks.lock(actorID)
	defer unlock()
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, calendarTx{queries{db: &tx}})
	})
}

func lockActorCalendar(ctx context.Context, tx bun.Tx, actorID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", actorID).Exec(ctx)
	return err
}

func (r *Repo) ListActiveRecurrences(ctx context.Context) ([]domain.Recurrence, error) {
	var rows []domain.Recurrence
	err := r.db.NewSelect().
		Model(&rows).
		Where("active = ?", true).
		OrderExpr("actor_id ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) DeleteAppointmentsBefore(ctx context.Context, cutoff time.Time, statuses []domain.AppointmentStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	res, err := r.db.NewDelete().
		Model((*domain.Appointment)(nil)).
		Where("start_time < ?", cutoff.UTC()).
		Where("status IN (?)", bun.In(statuses)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q queries) ListOverlappingBlocks(ctx context.Context, actorID string, start, end time.Time) ([]domain.Block, error) {
	var rows []domain.Block
	err := q.db.NewSelect().
		Model(&rows).
		Where("actor_id = ?", actorID).
		Where("active = ?", true).
		Where("start_time < ?", end.UTC()).
		Where("end_time > ?", start.UTC()).
		OrderExpr("start_time ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (q queries) ListOverlappingAppointments(ctx context.Context, oq store.OverlapQuery) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	sel := q.db.NewSelect().
		Model(&rows).
		Where("actor_id = ?", oq.ActorID).
		Where("start_time < ?", oq.End.UTC()).
		Where("end_time > ?", oq.Start.UTC())
	if len(oq.Statuses) > 0 {
		sel = sel.Where("status IN (?)", bun.In(oq.Statuses))
	}
	if oq.ExcludeID != uuid.Nil {
		sel = sel.Where("id <> ?", oq.ExcludeID)
	}
	err := sel.OrderExpr("start_time ASC, id ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (q queries) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := q.db.NewSelect().
		Model(&appt).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (q queries) FindAppointmentAt(ctx context.Context, actorID string, start, end time.Time) (domain.Appointment, error) {
	var appt domain.Appointment
	err := q.db.NewSelect().
		Model(&appt).
		Where("actor_id = ?", actorID).
		Where("start_time = ?", start.UTC()).
		Where("end_time = ?", end.UTC()).
		OrderExpr("created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (q queries) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	appt.StartTime = appt.StartTime.UTC()
	appt.EndTime = appt.EndTime.UTC()

	if _, err := q.db.NewInsert().Model(&appt).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.Appointment{}, store.ErrDuplicate
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (q queries) UpdateAppointmentStatus(ctx context.Context, appt domain.Appointment) error {
	res, err := q.db.NewUpdate().
		Model(&appt).
		Column("status", "cancel_reason", "cancelled_at", "updated_at").
		WherePK().
		Exec(ctx)
	return affectedOne(res, err)
}

func (q queries) UpdateAppointmentTimes(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	res, err := q.db.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("start_time = ?", start.UTC()).
		Set("end_time = ?", end.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return affectedOne(res, err)
}

func (q queries) CreateRecurrence(ctx context.Context, rec domain.Recurrence) (domain.Recurrence, error) {
	rec.ValidFrom = rec.ValidFrom.UTC()
	if _, err := q.db.NewInsert().Model(&rec).Exec(ctx); err != nil {
		return domain.Recurrence{}, err
	}
	return rec, nil
}

func (q queries) SetRecurrenceActive(ctx context.Context, actorID string, id uuid.UUID, active bool) error {
	res, err := q.db.NewUpdate().
		Model((*domain.Recurrence)(nil)).
		Set("active = ?", active).
		Set("updated_at = ?", time.Now().UTC()).
		Where("actor_id = ?", actorID).
		Where("id = ?", id).
		Exec(ctx)
	return affectedOne(res, err)
}

func (q queries) CreateBlock(ctx context.Context, block domain.Block) (domain.Block, error) {
	block.StartTime = block.StartTime.UTC()
	block.EndTime = block.EndTime.UTC()
	if _, err := q.db.NewInsert().Model(&block).Exec(ctx); err != nil {
		return domain.Block{}, err
	}
	return block, nil
}

func (q queries) SetBlockActive(ctx context.Context, actorID string, id uuid.UUID, active bool) error {
	res, err := q.db.NewUpdate().
		Model((*domain.Block)(nil)).
		Set("active = ?", active).
		Set("updated_at = ?", time.Now().UTC()).
		Where("actor_id = ?", actorID).
		Where("id = ?", id).
		Exec(ctx)
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == recurrenceOccurrenceKey
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

var (
	_ store.ScheduleRepository = (*Repo)(nil)
	_ store.CalendarTx         = calendarTx{}
)
