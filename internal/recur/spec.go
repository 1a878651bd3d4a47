package recur

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes how a schedule string was interpreted.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

// Spec is a parsed schedule string.
//
// Supported forms:
//   - Cron, 5 or 6 fields (leading seconds optional): "*/5 * * * *", "0 30 2 * * *"
//   - Descriptors: "@hourly", "@daily", "@every 10m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "02:30" (2 hours 30 minutes)
type Spec struct {
	Kind     Kind
	Raw      string
	Every    time.Duration
	Schedule cron.Schedule
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	parser = cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
)

// Parse turns a schedule string into a Spec. loc applies to cron expressions
// that do not carry their own CRON_TZ/TZ prefix; nil means time.Local.
func Parse(raw string, loc *time.Location) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.Local
	}

	// any whitespace or leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		expr := s
		if !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "@every") {
			expr = "CRON_TZ=" + loc.String() + " " + expr
		}
		sched, err := parser.Parse(expr)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid cron %q: %w", raw, err)
		}
		return Spec{Kind: KindCron, Raw: s, Schedule: sched}, nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return Spec{}, err
		}
		return interval(s, d), nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d < time.Second {
			return Spec{}, fmt.Errorf("interval must be >= 1s")
		}
		return interval(s, d), nil
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func interval(raw string, d time.Duration) Spec {
	return Spec{Kind: KindInterval, Raw: raw, Every: d, Schedule: cron.Every(d)}
}

// Next returns the first activation strictly after t.
func (s Spec) Next(t time.Time) time.Time {
	if s.Schedule == nil {
		return time.Time{}
	}
	return s.Schedule.Next(t)
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
