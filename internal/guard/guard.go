// Package guard composes the quota tracker, the content analyzer and the
// quiet-hours policy into one admit/deny decision.
//
// The same Evaluate runs at admission and again right before each send. The
// Stage only changes which inputs apply: spacing since the last send is a
// dispatch-time concern, while admission also counts jobs still waiting in
// the queue for the same recipient.
//
// A Guard is not synchronized. Callers hold the lock that owns the tracker.
package guard

import (
	"fmt"
	"time"

	"dispatchd/internal/content"
	"dispatchd/internal/quota"
)

type Stage int

const (
	StageAdmission Stage = iota
	StageDispatch
)

func (s Stage) String() string {
	if s == StageDispatch {
		return "dispatch"
	}
	return "admission"
}

// Code is a stable machine-readable denial reason.
type Code string

const (
	CodeContentFlagged Code = "content_flagged"
	CodeRecipientLimit Code = "recipient_limit"
	CodeMinSpacing     Code = "min_spacing"
	CodeQuietHours     Code = "quiet_hours"
	CodeMinuteLimit    Code = "minute_limit"
	CodeHourLimit      Code = "hour_limit"
	CodeDayLimit       Code = "day_limit"
)

var windowCodes = map[quota.Window]Code{
	quota.WindowMinute: CodeMinuteLimit,
	quota.WindowHour:   CodeHourLimit,
	quota.WindowDay:    CodeDayLimit,
}

// QuietHours blocks sends while the local hour is in [Start, End). A window
// with Start > End wraps midnight. Start == End disables it.
type QuietHours struct {
	Enabled bool
	Start   int
	End     int
}

func (q QuietHours) active() bool {
	return q.Enabled && q.Start != q.End
}

// Contains reports whether hour h (0-23) falls inside the window.
func (q QuietHours) Contains(h int) bool {
	if !q.active() {
		return false
	}
	if q.Start < q.End {
		return h >= q.Start && h < q.End
	}
	return h >= q.Start || h < q.End
}

type Policy struct {
	MinDelay   time.Duration
	QuietHours QuietHours
	Location   *time.Location
}

// Request is one evaluation. Body is skipped by the content check when empty
// (attachments without a caption). Pending is the number of jobs already
// queued for Recipient and only counts at StageAdmission.
type Request struct {
	Stage     Stage
	Recipient string
	Body      string
	Pending   int
	Now       time.Time
}

// Decision is the outcome of Evaluate. RetryAfter is a hint for when the
// denying condition may clear; zero means it will not clear by waiting.
type Decision struct {
	Allowed    bool
	Code       Code
	Reason     string
	RetryAfter time.Duration
	Risk       content.RiskLevel
	Warning    quota.WarningLevel
}

type Guard struct {
	tracker  *quota.Tracker
	analyzer *content.Analyzer
	policy   Policy
}

func New(tracker *quota.Tracker, analyzer *content.Analyzer, policy Policy) *Guard {
	if policy.Location == nil {
		policy.Location = time.Local
	}
	if analyzer == nil {
		analyzer = content.New(content.DefaultConfig())
	}
	return &Guard{tracker: tracker, analyzer: analyzer, policy: policy}
}

func (g *Guard) Tracker() *quota.Tracker    { return g.tracker }
func (g *Guard) Analyzer() *content.Analyzer { return g.analyzer }
func (g *Guard) Policy() Policy              { return g.policy }

// Evaluate runs the checks in order and returns on the first denial:
// window roll, content, per-recipient cap, spacing (dispatch only), quiet
// hours, then the minute/hour/day caps. On pass the warning level is
// recomputed.
func (g *Guard) Evaluate(req Request) Decision {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	g.tracker.Roll(now)

	if req.Body != "" {
		res := g.analyzer.Analyze(req.Body)
		if !res.Safe {
			return Decision{Code: CodeContentFlagged, Reason: res.Reason, Risk: res.Risk}
		}
	}

	count, limit, _ := g.tracker.CheckRecipient(req.Recipient)
	if req.Stage == StageAdmission {
		count += req.Pending
	}
	if count >= limit {
		return Decision{
			Code:       CodeRecipientLimit,
			Reason:     fmt.Sprintf("recipient limit reached (%d/%d today)", count, limit),
			RetryAfter: g.tracker.NextReset(quota.WindowDay, now).Sub(now),
		}
	}

	if req.Stage == StageDispatch && g.policy.MinDelay > 0 {
		if last := g.tracker.LastSentAt(); !last.IsZero() {
			if elapsed := now.Sub(last); elapsed < g.policy.MinDelay {
				wait := g.policy.MinDelay - elapsed
				return Decision{
					Code:       CodeMinSpacing,
					Reason:     fmt.Sprintf("too soon after last send (wait %s)", wait.Round(time.Millisecond)),
					RetryAfter: wait,
				}
			}
		}
	}

	local := now.In(g.policy.Location)
	if g.policy.QuietHours.Contains(local.Hour()) {
		return Decision{
			Code:       CodeQuietHours,
			Reason:     fmt.Sprintf("quiet hours (%02d:00-%02d:00)", g.policy.QuietHours.Start, g.policy.QuietHours.End),
			RetryAfter: g.untilQuietEnd(local),
		}
	}

	for _, w := range quota.Windows {
		if g.tracker.CheckWindow(w) {
			continue
		}
		used, capacity := g.tracker.Usage(w)
		return Decision{
			Code:       windowCodes[w],
			Reason:     fmt.Sprintf("%s limit reached (%d/%d)", w, used, capacity),
			RetryAfter: g.tracker.NextReset(w, now).Sub(now),
		}
	}

	return Decision{Allowed: true, Risk: content.RiskNone, Warning: g.tracker.RecomputeWarning()}
}

func (g *Guard) untilQuietEnd(local time.Time) time.Duration {
	end := time.Date(local.Year(), local.Month(), local.Day(), g.policy.QuietHours.End, 0, 0, 0, local.Location())
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end.Sub(local)
}
