// Package quota tracks outbound usage over minute/hour/day windows, per
// recipient, and since the last pacing break.
//
// Windows roll lazily: every read path calls Roll first, which compares the
// current boundary key (date, date+hour, date+hour+minute) with the stored
// marker. Nothing depends on a running timer, so rollover survives idle
// periods and process suspension.
//
// A Tracker is not safe for concurrent use. The dispatcher serializes all
// access under its own mutex so that check-then-record is atomic with respect
// to concurrent admissions.
package quota

import (
	"math"
	"time"
)

// Unlimited is the cap sentinel for a disabled limit. Counters still
// increment under it so telemetry stays meaningful.
const Unlimited = math.MaxInt

type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

var Windows = []Window{WindowMinute, WindowHour, WindowDay}

type WarningLevel string

const (
	WarningGreen  WarningLevel = "green"
	WarningYellow WarningLevel = "yellow"
	WarningRed    WarningLevel = "red"
)

const (
	dayLayout    = "2006-01-02"
	hourLayout   = "2006-01-02T15"
	minuteLayout = "2006-01-02T15:04"
)

// Limits are per-window caps. Zero or negative means Unlimited.
type Limits struct {
	PerMinute    int
	PerHour      int
	PerDay       int
	PerRecipient int
}

func (l Limits) normalized() Limits {
	fix := func(v int) int {
		if v <= 0 {
			return Unlimited
		}
		return v
	}
	return Limits{
		PerMinute:    fix(l.PerMinute),
		PerHour:      fix(l.PerHour),
		PerDay:       fix(l.PerDay),
		PerRecipient: fix(l.PerRecipient),
	}
}

type Tracker struct {
	limits Limits
	loc    *time.Location

	minuteKey string
	hourKey   string
	dayKey    string

	perMinute int
	perHour   int
	perDay    int

	perRecipient map[string]int
	unique       map[string]struct{}

	sinceBreak int
	totalSent  int
	lastSentAt time.Time
	warning    WarningLevel
}

// New returns a tracker whose boundary markers are set from now in loc
// (time.Local when loc is nil).
func New(limits Limits, loc *time.Location, now time.Time) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	t := &Tracker{
		limits:       limits.normalized(),
		loc:          loc,
		perRecipient: map[string]int{},
		unique:       map[string]struct{}{},
		warning:      WarningGreen,
	}
	t.setKeys(now)
	return t
}

func (t *Tracker) setKeys(now time.Time) {
	n := now.In(t.loc)
	t.minuteKey = n.Format(minuteLayout)
	t.hourKey = n.Format(hourLayout)
	t.dayKey = n.Format(dayLayout)
}

// Roll resets every window whose boundary has passed. Idempotent.
// It reports whether the day window rolled over.
func (t *Tracker) Roll(now time.Time) (dayRolled bool) {
	n := now.In(t.loc)
	if k := n.Format(minuteLayout); k != t.minuteKey {
		t.minuteKey = k
		t.perMinute = 0
	}
	if k := n.Format(hourLayout); k != t.hourKey {
		t.hourKey = k
		t.perHour = 0
	}
	if k := n.Format(dayLayout); k != t.dayKey {
		t.dayKey = k
		t.perDay = 0
		clear(t.perRecipient)
		clear(t.unique)
		dayRolled = true
	}
	return dayRolled
}

// RecordSend accounts one successful send. Call exactly once per sent job.
func (t *Tracker) RecordSend(recipient string, now time.Time) {
	t.Roll(now)
	t.perMinute++
	t.perHour++
	t.perDay++
	t.perRecipient[recipient]++
	t.unique[recipient] = struct{}{}
	t.sinceBreak++
	t.totalSent++
	t.lastSentAt = now
}

// CheckWindow reports whether w is under its cap.
func (t *Tracker) CheckWindow(w Window) bool {
	count, limit := t.Usage(w)
	return count < limit
}

// Usage returns the current count and cap for w.
func (t *Tracker) Usage(w Window) (count, limit int) {
	switch w {
	case WindowMinute:
		return t.perMinute, t.limits.PerMinute
	case WindowHour:
		return t.perHour, t.limits.PerHour
	case WindowDay:
		return t.perDay, t.limits.PerDay
	}
	return 0, Unlimited
}

// CheckRecipient returns today's sends to recipient against the per-recipient cap.
func (t *Tracker) CheckRecipient(recipient string) (count, limit int, allowed bool) {
	count = t.perRecipient[recipient]
	limit = t.limits.PerRecipient
	return count, limit, count < limit
}

func (t *Tracker) Limits() Limits { return t.limits }

// NextReset returns when w next rolls over after now.
func (t *Tracker) NextReset(w Window, now time.Time) time.Time {
	n := now.In(t.loc)
	switch w {
	case WindowMinute:
		return n.Truncate(time.Minute).Add(time.Minute)
	case WindowHour:
		return time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), 0, 0, 0, t.loc).Add(time.Hour)
	default:
		return time.Date(n.Year(), n.Month(), n.Day()+1, 0, 0, 0, 0, t.loc)
	}
}

func (t *Tracker) LastSentAt() time.Time { return t.lastSentAt }

// SinceBreak is the number of sends since the last pacing break.
func (t *Tracker) SinceBreak() int { return t.sinceBreak }

func (t *Tracker) ResetBreak() { t.sinceBreak = 0 }

// TotalSent is the cumulative number of sends in this process.
func (t *Tracker) TotalSent() int { return t.totalSent }

func (t *Tracker) UniqueRecipients() int { return len(t.unique) }

// DayKey is the stored day-boundary marker (YYYY-MM-DD).
func (t *Tracker) DayKey() string { return t.dayKey }

// RecomputeWarning derives the warning level from the highest usage ratio of
// any capped window: >=80% red, >=60% yellow, else green.
func (t *Tracker) RecomputeWarning() WarningLevel {
	worst := 0.0
	for _, w := range Windows {
		count, limit := t.Usage(w)
		if limit == Unlimited || limit <= 0 {
			continue
		}
		if r := float64(count) / float64(limit); r > worst {
			worst = r
		}
	}
	switch {
	case worst >= 0.8:
		t.warning = WarningRed
	case worst >= 0.6:
		t.warning = WarningYellow
	default:
		t.warning = WarningGreen
	}
	return t.warning
}

func (t *Tracker) Warning() WarningLevel { return t.warning }

// WindowUsage is one window in a Snapshot. Limit is omitted when unlimited.
type WindowUsage struct {
	Count     int  `json:"count"`
	Limit     int  `json:"limit,omitempty"`
	Unlimited bool `json:"unlimited,omitempty"`
}

type Snapshot struct {
	Day              string       `json:"day"`
	Minute           WindowUsage  `json:"minute"`
	Hour             WindowUsage  `json:"hour"`
	Today            WindowUsage  `json:"today"`
	PerRecipientCap  int          `json:"per_recipient_cap,omitempty"`
	UniqueRecipients int          `json:"unique_recipients"`
	SinceBreak       int          `json:"since_break"`
	TotalSent        int          `json:"total_sent"`
	LastSentAt       time.Time    `json:"last_sent_at,omitempty"`
	Warning          WarningLevel `json:"warning"`
}

// Snapshot rolls windows as of now and returns a copy of the counters.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.Roll(now)
	usage := func(w Window) WindowUsage {
		c, l := t.Usage(w)
		if l == Unlimited {
			return WindowUsage{Count: c, Unlimited: true}
		}
		return WindowUsage{Count: c, Limit: l}
	}
	s := Snapshot{
		Day:              t.dayKey,
		Minute:           usage(WindowMinute),
		Hour:             usage(WindowHour),
		Today:            usage(WindowDay),
		UniqueRecipients: len(t.unique),
		SinceBreak:       t.sinceBreak,
		TotalSent:        t.totalSent,
		LastSentAt:       t.lastSentAt,
		Warning:          t.warning,
	}
	if t.limits.PerRecipient != Unlimited {
		s.PerRecipientCap = t.limits.PerRecipient
	}
	return s
}
