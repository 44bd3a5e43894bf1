package tasks

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotclawhq/dotclaw/internal/store"
)

// ValidateSchedule checks a schedule definition at creation time.
func ValidateSchedule(scheduleType, value string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if !gronx.New().IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
	case store.ScheduleInterval:
		ms, err := parseIntervalMs(value)
		if err != nil {
			return err
		}
		if ms < 60_000 {
			return fmt.Errorf("interval %q below the 1m floor", value)
		}
	case store.ScheduleOnce:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("once schedule wants a unix-ms timestamp, got %q", value)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// FirstRun computes the initial next_run for a new task.
func FirstRun(scheduleType, value string, now time.Time, loc *time.Location) (int64, error) {
	switch scheduleType {
	case store.ScheduleCron:
		return nextCron(value, now, loc)
	case store.ScheduleInterval:
		ms, err := parseIntervalMs(value)
		if err != nil {
			return 0, err
		}
		return now.UnixMilli() + ms, nil
	case store.ScheduleOnce:
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse once timestamp: %w", err)
		}
		return ts, nil
	}
	return 0, fmt.Errorf("unknown schedule type %q", scheduleType)
}

// nextCron finds the next fire after now in the scheduler timezone.
func nextCron(expr string, now time.Time, loc *time.Location) (int64, error) {
	if loc == nil {
		loc = time.Local
	}
	next, err := gronx.NextTickAfter(expr, now.In(loc), false)
	if err != nil {
		return 0, fmt.Errorf("cron %q: %w", expr, err)
	}
	return next.UnixMilli(), nil
}

// parseIntervalMs accepts either a bare millisecond count or a Go duration
// string ("45m", "2h").
func parseIntervalMs(value string) (int64, error) {
	if ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
		return ms, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("interval %q: want milliseconds or a duration", value)
	}
	return d.Milliseconds(), nil
}
