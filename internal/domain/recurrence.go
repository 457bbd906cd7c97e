package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RecurrenceFrequency string

const (
	RecurrenceFrequencyDaily   RecurrenceFrequency = "daily"
	RecurrenceFrequencyWeekly  RecurrenceFrequency = "weekly"
	RecurrenceFrequencyMonthly RecurrenceFrequency = "monthly"
)

// Label is the display form used in materialized appointment notes.
func (f RecurrenceFrequency) Label() string {
	switch f {
	case RecurrenceFrequencyDaily:
		return "Daily"
	case RecurrenceFrequencyWeekly:
		return "Weekly"
	case RecurrenceFrequencyMonthly:
		return "Monthly"
	default:
		return string(f)
	}
}

// MonthDayPolicy decides what a monthly rule does in months shorter than its
// day of month.
type MonthDayPolicy string

const (
	MonthDaySkip  MonthDayPolicy = "skip"
	MonthDayClamp MonthDayPolicy = "clamp"
)

func ParseMonthDayPolicy(s string) (MonthDayPolicy, error) {
	switch MonthDayPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MonthDaySkip:
		return MonthDaySkip, nil
	case MonthDayClamp:
		return MonthDayClamp, nil
	default:
		return "", fmt.Errorf("unknown month day policy %q", s)
	}
}

// TimeOfDay is a wall-clock time expressed in minutes after midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return NewTimeOfDay(h, m), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Recurrence is a repeating commitment window of one actor. Weekday is set
// only for weekly rules and DayOfMonth only for monthly ones.
type Recurrence struct {
	bun.BaseModel `bun:"table:recurrences"`

	ID         uuid.UUID           `bun:"id,pk,type:uuid"`
	ActorID    string              `bun:"actor_id,notnull"`
	Frequency  RecurrenceFrequency `bun:"frequency,notnull"`
	StartTime  TimeOfDay           `bun:"start_minute,notnull"`
	EndTime    TimeOfDay           `bun:"end_minute,notnull"`
	Weekday    *time.Weekday       `bun:"weekday"`
	DayOfMonth *int                `bun:"day_of_month"`
	ValidFrom  time.Time           `bun:"valid_from,notnull"`
	ValidUntil *time.Time          `bun:"valid_until"`
	Timezone   string              `bun:"timezone,notnull"`
	Active     bool                `bun:"active,notnull"`
	CreatedAt  time.Time           `bun:"created_at,notnull"`
	UpdatedAt  time.Time           `bun:"updated_at,notnull"`
}

func (r *Recurrence) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

// Validate performs the full rule check run when a recurrence is created.
func (r Recurrence) Validate() error {
	if err := r.checkFrequency(); err != nil {
		return err
	}
	if r.StartTime < 0 || r.StartTime >= minutesPerDay {
		return &InvalidRuleError{Field: "start_time", Reason: "must be within the day"}
	}
	if r.EndTime <= r.StartTime || r.EndTime > minutesPerDay {
		return &InvalidRuleError{Field: "end_time", Reason: "must be after start_time and within the day"}
	}
	if r.ValidFrom.IsZero() {
		return &InvalidRuleError{Field: "valid_from", Reason: "is required"}
	}
	if r.ValidUntil != nil && civilDate(r.ValidUntil.UTC()).Before(civilDate(r.ValidFrom.UTC())) {
		return &InvalidRuleError{Field: "valid_until", Reason: "must not be before valid_from"}
	}
	if _, err := r.Location(); err != nil {
		return &InvalidRuleError{Field: "timezone", Reason: "is not a known time zone"}
	}
	return nil
}

func (r Recurrence) checkFrequency() error {
	switch r.Frequency {
	case RecurrenceFrequencyDaily:
	case RecurrenceFrequencyWeekly:
		if r.Weekday == nil {
			return &InvalidRuleError{Field: "weekday", Reason: "is required for weekly recurrence"}
		}
		if *r.Weekday < time.Sunday || *r.Weekday > time.Saturday {
			return &InvalidRuleError{Field: "weekday", Reason: "is out of range"}
		}
	case RecurrenceFrequencyMonthly:
		if r.DayOfMonth == nil {
			return &InvalidRuleError{Field: "day_of_month", Reason: "is required for monthly recurrence"}
		}
		if *r.DayOfMonth < 1 || *r.DayOfMonth > 31 {
			return &InvalidRuleError{Field: "day_of_month", Reason: "must be between 1 and 31"}
		}
	default:
		return &InvalidRuleError{Field: "frequency", Reason: "is not supported"}
	}
	return nil
}

func (r Recurrence) Location() (*time.Location, error) {
	if strings.TrimSpace(r.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// OccurrenceInterval places the rule's time of day on date in loc. Local wall
// time is kept across DST changes. When a clock jump swallows the slot's wall
// times, the occurrence keeps the rule's wall-clock length from its start.
func (r Recurrence) OccurrenceInterval(date time.Time, loc *time.Location) Interval {
	y, m, d := date.Date()
	start := time.Date(y, m, d, r.StartTime.Hour(), r.StartTime.Minute(), 0, 0, loc)
	end := time.Date(y, m, d, r.EndTime.Hour(), r.EndTime.Minute(), 0, 0, loc)
	if r.EndTime == minutesPerDay {
		end = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	}
	if !end.After(start) {
		end = start.Add(time.Duration(r.EndTime-r.StartTime) * time.Minute)
	}
	return Interval{Start: start.UTC(), End: end.UTC()}
}

// ExpandOccurrences returns the dates in [max(ValidFrom, from), min(ValidUntil,
// horizon)] on which the rule fires, ascending and without duplicates. Dates
// are calendar dates at midnight UTC. ValidFrom and ValidUntil are stored as
// midnight UTC and read in UTC whatever location the driver scanned them in;
// from and horizon are read as calendar dates in their own location.
func ExpandOccurrences(rule Recurrence, from, horizon time.Time, policy MonthDayPolicy) ([]time.Time, error) {
	if err := rule.checkFrequency(); err != nil {
		return nil, err
	}

	start := civilDate(from)
	if vf := civilDate(rule.ValidFrom.UTC()); vf.After(start) {
		start = vf
	}
	end := civilDate(horizon)
	if rule.ValidUntil != nil {
		if vu := civilDate(rule.ValidUntil.UTC()); vu.Before(end) {
			end = vu
		}
	}
	if start.After(end) {
		return nil, nil
	}

	out := make([]time.Time, 0, 32)
	switch rule.Frequency {
	case RecurrenceFrequencyDaily:
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			out = append(out, d)
		}
	case RecurrenceFrequencyWeekly:
		offset := (int(*rule.Weekday) - int(start.Weekday()) + 7) % 7
		for d := start.AddDate(0, 0, offset); !d.After(end); d = d.AddDate(0, 0, 7) {
			out = append(out, d)
		}
	case RecurrenceFrequencyMonthly:
		for month := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !month.After(end); month = month.AddDate(0, 1, 0) {
			day, ok := monthDay(month.Year(), month.Month(), *rule.DayOfMonth, policy)
			if !ok {
				continue
			}
			d := time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, time.UTC)
			if d.Before(start) {
				continue
			}
			if d.After(end) {
				break
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func monthDay(year int, month time.Month, day int, policy MonthDayPolicy) (int, bool) {
	last := daysIn(year, month)
	if day <= last {
		return day, true
	}
	if policy == MonthDayClamp {
		return last, true
	}
	return 0, false
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
