// Package cron normalizes 5-field cron expressions to the 6-field
// (seconds-first) form robfig/cron/v3 expects, and caches parsed schedules
// so the minute-tick scheduler never reparses a job's expression twice.
package cron

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/syt100/bastion/internal/apperrors"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule wraps a parsed cron expression plus the location it should be
// evaluated in.
type Schedule struct {
	expr string
	loc  *time.Location
	sch  cron.Schedule
}

// Cache parses each distinct (expr, timezone) pair once and reuses the
// parsed cron.Schedule for every subsequent Matches/Next call.
type Cache struct {
	mu    sync.Mutex
	byKey map[string]*Schedule
}

func NewCache() *Cache {
	return &Cache{byKey: make(map[string]*Schedule)}
}

// Parse normalizes a 5-field expression to 6-field by prepending "0" for
// the seconds field, then parses it bound to the given IANA timezone name.
func (c *Cache) Parse(expr, timezone string) (*Schedule, error) {
	key := timezone + "\x00" + expr
	c.mu.Lock()
	if s, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "unknown timezone %q", timezone)
	}

	normalized := normalize(expr)
	sch, err := parser.Parse(normalized)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "invalid cron expression %q", expr)
	}

	s := &Schedule{expr: expr, loc: loc, sch: sch}
	c.mu.Lock()
	c.byKey[key] = s
	c.mu.Unlock()
	return s, nil
}

// normalize prepends a "0" seconds field to a bare 5-field expression,
// leaving 6-field expressions and named descriptors ("@hourly") untouched.
func normalize(expr string) string {
	if len(expr) > 0 && expr[0] == '@' {
		return expr
	}
	fields := splitFields(expr)
	if len(fields) == 5 {
		return "0 " + expr
	}
	return expr
}

func splitFields(expr string) []string {
	var fields []string
	start := -1
	for i, r := range expr {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, expr[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, expr[start:])
	}
	return fields
}

// Matches reports whether the schedule fires at exactly the minute
// boundary t, i.e. the next firing strictly after t-1s equals t truncated
// to the minute. The per-minute scheduler calls this once per tick rather
// than tracking individual next-fire timestamps itself.
func (s *Schedule) Matches(t time.Time) bool {
	t = t.In(s.loc).Truncate(time.Minute)
	next := s.sch.Next(t.Add(-time.Second))
	return next.Equal(t)
}

// Next returns the next firing time strictly after t, in the schedule's
// configured timezone.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sch.Next(t.In(s.loc))
}
