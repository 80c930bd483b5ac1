// Package scheduler computes when the daemon runs next. The structured
// daily/weekly/monthly schedules cover the common case; a cron expression in
// the config takes precedence for anything fancier.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/securevault/securevault/pkg/config"
)

// Schedule yields the next run time strictly after a given instant. The cron
// override satisfies this interface directly.
type Schedule interface {
	Next(after time.Time) time.Time
}

// New builds a Schedule from the configuration. A non-empty cron expression
// wins over the structured fields.
func New(cfg config.ScheduleConfig) (Schedule, error) {
	if cfg.Cron != "" {
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
		}
		return sched, nil
	}

	var hour, min, sec int
	if _, err := fmt.Sscanf(cfg.Time, "%d:%d:%d", &hour, &min, &sec); err != nil {
		return nil, fmt.Errorf("invalid schedule time %q: want HH:MM:SS", cfg.Time)
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return nil, fmt.Errorf("schedule time %q out of range", cfg.Time)
	}

	s := &fixedTimeSchedule{
		kind:       cfg.Type,
		hour:       hour,
		min:        min,
		sec:        sec,
		dayOfMonth: cfg.DayOfMonth,
	}

	switch cfg.Type {
	case "daily":
	case "weekly":
		wd, err := parseWeekday(cfg.DayOfWeek)
		if err != nil {
			return nil, err
		}
		s.weekday = wd
	case "monthly":
		if s.dayOfMonth < 1 || s.dayOfMonth > 31 {
			return nil, fmt.Errorf("schedule dayOfMonth %d out of range", s.dayOfMonth)
		}
	default:
		return nil, fmt.Errorf("unsupported schedule type: %s", cfg.Type)
	}
	return s, nil
}

// fixedTimeSchedule fires at a wall-clock time of day on a daily, weekly or
// monthly cadence, in the local timezone of the given reference instant.
type fixedTimeSchedule struct {
	kind       string
	hour       int
	min        int
	sec        int
	weekday    time.Weekday
	dayOfMonth int
}

func (s *fixedTimeSchedule) Next(after time.Time) time.Time {
	switch s.kind {
	case "weekly":
		candidate := s.at(after, after.Day())
		for candidate.Weekday() != s.weekday || !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate
	case "monthly":
		candidate := time.Date(after.Year(), after.Month(), s.dayOfMonth,
			s.hour, s.min, s.sec, 0, after.Location())
		for !candidate.After(after) {
			candidate = time.Date(candidate.Year(), candidate.Month()+1, s.dayOfMonth,
				s.hour, s.min, s.sec, 0, after.Location())
		}
		return candidate
	default: // daily
		candidate := s.at(after, after.Day())
		if !candidate.After(after) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		return candidate
	}
}

func (s *fixedTimeSchedule) at(ref time.Time, day int) time.Time {
	return time.Date(ref.Year(), ref.Month(), day, s.hour, s.min, s.sec, 0, ref.Location())
}

func parseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, nil
	case "monday", "":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("unsupported dayOfWeek: %s", name)
	}
}
