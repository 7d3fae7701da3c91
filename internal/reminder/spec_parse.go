package reminder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RescanSpec is a parsed rescan schedule: either a cron expression or a fixed interval.
type RescanSpec struct {
	Cron  string
	Every time.Duration
}

// Schedule returns the cron schedule to register.
func (r RescanSpec) Schedule() (cron.Schedule, error) {
	if r.Every > 0 {
		return cron.Every(r.Every), nil
	}
	return cronParser.Parse(r.Cron)
}

func (r RescanSpec) String() string {
	if r.Every > 0 {
		return "every " + r.Every.String()
	}
	return r.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseRescan parses a rescan schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "@hourly", "@every 10m" (prefix "cron:" forces cron)
//   - Interval duration: "5m", "1h30m"
//   - Interval HH:MM: "00:10" (10 minutes), "01:30" (90 minutes)
func ParseRescan(raw string) (RescanSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return RescanSpec{}, fmt.Errorf("rescan schedule required")
	}

	if strings.HasPrefix(strings.ToLower(s), "cron:") {
		s = strings.TrimSpace(s[len("cron:"):])
		return parseCron(s)
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return RescanSpec{}, fmt.Errorf("invalid minutes in %q", raw)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return RescanSpec{}, fmt.Errorf("interval must be > 0")
		}
		return RescanSpec{Every: d}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return RescanSpec{}, fmt.Errorf("interval must be > 0")
		}
		return RescanSpec{Every: d}, nil
	}

	return RescanSpec{}, fmt.Errorf(
		"invalid rescan schedule %q (use cron like '*/5 * * * *', HH:MM like '00:10', or duration like '5m')",
		raw,
	)
}

func parseCron(expr string) (RescanSpec, error) {
	if expr == "" {
		return RescanSpec{}, fmt.Errorf("cron schedule required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return RescanSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return RescanSpec{Cron: expr}, nil
}
