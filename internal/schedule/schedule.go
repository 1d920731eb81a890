package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindInterval = "interval"
	KindCron     = "cron"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

type Schedule struct {
	Kind       string `json:"kind"`                  // "interval", "cron"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
}

func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
}

func Cron(expr string) Schedule {
	return Schedule{Kind: KindCron, CronExpr: strings.TrimSpace(expr)}
}

func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("%w: interval_ms must be positive", ErrInvalidSchedule)
		}
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("%w: invalid cron expression: %s", ErrInvalidSchedule, s.CronExpr)
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind: %s", ErrInvalidSchedule, s.Kind)
	}
	return nil
}

// Next returns the first fire time strictly after from.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	switch s.Kind {
	case KindInterval:
		if s.IntervalMs <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval_ms must be positive", ErrInvalidSchedule)
		}
		return from.Add(s.Interval()), nil
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, from, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown schedule kind: %s", ErrInvalidSchedule, s.Kind)
	}
}

func (s Schedule) JSON() string {
	data, _ := json.Marshal(s)
	return string(data)
}

// String returns a human-readable description of the schedule.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := s.Interval()
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		case d%time.Second == 0 && d >= time.Second:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		default:
			return fmt.Sprintf("Every %dms", s.IntervalMs)
		}
	default:
		return s.JSON()
	}
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NormalizeSchedule accepts either a JSON schedule, a Go duration such as
// "30s", or a plain cron expression, and returns a validated Schedule.
func NormalizeSchedule(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.Validate(); err != nil {
			return Schedule{}, err
		}
		return s, nil
	}

	if d, err := time.ParseDuration(raw); err == nil {
		s = Every(d)
		if err := s.Validate(); err != nil {
			return Schedule{}, err
		}
		return s, nil
	}

	if !gronx.New().IsValid(raw) {
		return Schedule{}, fmt.Errorf("%w: not valid JSON, duration or cron expression: %s", ErrInvalidSchedule, raw)
	}
	return Cron(raw), nil
}
