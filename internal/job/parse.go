package job

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule turns a human schedule string into a Schedule.
//
// Supported forms:
//   - cron: "*/5 * * * *", "0 30 9 * * 1-5", "@hourly", "@every 55m"
//   - interval: "55m", "2h30m", or HH:MM like "02:30" (2h30m)
//   - once: "at:2025-01-02T15:04:05Z" (RFC3339)
//
// Optional prefixes force the kind: "cron:", "interval:", "every:", "at:".
// A cron timezone can be given with robfig's "CRON_TZ=Europe/Berlin " prefix
// or set on the returned Schedule.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, invalid("schedule", "required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSchedule(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return intervalSchedule(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSchedule(s[len("every:"):])
	case strings.HasPrefix(low, "at:"):
		v := strings.TrimSpace(s[len("at:"):])
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Schedule{}, invalid("schedule.at", "invalid RFC3339 time %q", v)
		}
		return Once(at), nil
	}

	// whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSchedule(s)
	}
	if reHHMM.MatchString(s) {
		return intervalSchedule(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Millisecond {
			return Schedule{}, invalid("schedule.every_ms", "interval must be >= 1ms")
		}
		return Every(d), nil
	}

	return Schedule{}, invalid("schedule",
		"%q is not a cron expression ('*/5 * * * *'), HH:MM ('02:30'), duration ('55m') or at:<RFC3339>", raw)
}

func cronSchedule(expr string) (Schedule, error) {
	sc := Cron(expr, "")
	if err := sc.Validate(); err != nil {
		return Schedule{}, err
	}
	return sc, nil
}

func intervalSchedule(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, invalid("schedule.every_ms", "interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, invalid("schedule.every_ms", "invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		d, err = time.ParseDuration(v)
		if err != nil {
			return Schedule{}, invalid("schedule.every_ms", "invalid interval %q (use HH:MM or a duration like '55m')", v)
		}
	}
	if d < time.Millisecond {
		return Schedule{}, invalid("schedule.every_ms", "interval must be >= 1ms")
	}
	return Every(d), nil
}
